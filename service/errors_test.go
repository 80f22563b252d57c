package service

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRetriable(t *testing.T) {
	i := 0
	ctx := context.Background()
	tim := time.Now()
	err := Retriable(ctx, func() error {
		i++
		return fmt.Errorf("%d", i)
	}, time.Microsecond, 3)

	if time.Since(tim) < 3*time.Microsecond {
		t.Errorf("err: excepted at least 3µs got %v", time.Since(tim))
	}

	if err == nil {
		t.Error("err: excepted 3 got nil")
	}
	if err.Error() != "3" {
		t.Error("err: excepted 3 got " + err.Error())
	}
}

func TestRetriableFatal(t *testing.T) {
	i := 0
	err := Retriable(context.Background(), func() error {
		i++
		return MakeFatal(fmt.Errorf("fatal"))
	}, time.Microsecond, 3)

	if err == nil {
		t.Error("err: expected fatal got nil")
	}
	if i != 1 {
		t.Errorf("fn: expected 1 call got %d", i)
	}
}

func TestRetriableSuccess(t *testing.T) {
	i := 0
	err := Retriable(context.Background(), func() error {
		i++
		if i < 2 {
			return MakeTemporary(fmt.Errorf("temporary"))
		}
		return nil
	}, time.Microsecond, 3)

	if err != nil {
		t.Errorf("err: expected nil got %v", err)
	}
	if i != 2 {
		t.Errorf("fn: expected 2 calls got %d", i)
	}
}

func TestTemporary(t *testing.T) {
	if Temporary(fmt.Errorf("plain")) {
		t.Error("plain error must not be temporary")
	}
	if !Temporary(MakeTemporary(fmt.Errorf("tmp"))) {
		t.Error("marked error must be temporary")
	}
	if !Temporary(fmt.Errorf("wrapped: %w", MakeTemporary(fmt.Errorf("tmp")))) {
		t.Error("wrapped marked error must be temporary")
	}
	if !Temporary(context.Canceled) {
		t.Error("context.Canceled must be temporary")
	}
}

func TestFatal(t *testing.T) {
	if Fatal(fmt.Errorf("plain")) {
		t.Error("plain error must not be fatal")
	}
	if !Fatal(fmt.Errorf("wrapped: %w", MakeFatal(fmt.Errorf("fatal")))) {
		t.Error("wrapped marked error must be fatal")
	}
}

func TestMergeErrors(t *testing.T) {
	errTmp := MakeTemporary(fmt.Errorf("tmp"))
	errPlain := fmt.Errorf("plain")

	if err := MergeErrors(false, errPlain, nil); err != nil {
		t.Errorf("priority to no error: expected nil got %v", err)
	}
	if err := MergeErrors(true, nil, errPlain); err == nil {
		t.Error("priority to error: expected an error got nil")
	}
	if err := MergeErrors(false, errTmp, errPlain); !Temporary(err) {
		t.Errorf("priority to temporary: expected temporary got %v", err)
	}
}

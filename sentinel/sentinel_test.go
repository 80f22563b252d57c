package sentinel_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/Azim-Kenzh/sentinel2-downloader/catalog"
	"github.com/Azim-Kenzh/sentinel2-downloader/downloader"
	"github.com/Azim-Kenzh/sentinel2-downloader/sentinel"
	"github.com/Azim-Kenzh/sentinel2-downloader/session"
)

var _ = Describe("SentinelAPI", func() {
	var (
		ctx  context.Context
		fake *fakeDataspace
		api  *sentinel.SentinelAPI
	)

	newAPI := func(password string) *sentinel.SentinelAPI {
		return sentinel.New("user", password,
			sentinel.WithAuthEndpoint(fake.identity.URL),
			sentinel.WithCatalogEndpoint(fake.catalog.URL),
			sentinel.WithDownloadEndpoint(fake.download.URL+"/Products(%s)/$value"),
			sentinel.WithProgressInterval(time.Millisecond),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		fake = newFakeDataspace("secret")
		fake.products["05a23a04-82fa-46e0-b9a9-2c25912a305c"] = []byte("granule bytes of the first product")
		fake.products["0cb1b3a2-8834-4875-ad91-21b71d60dd92"] = []byte("granule bytes of the second product")
		api = newAPI("secret")
	})

	AfterEach(func() {
		fake.close()
	})

	footprint := "POLYGON((77.42 42.30, 78.81 42.30, 78.81 43.32, 77.42 43.32, 77.42 42.30))"

	Describe("Query", func() {
		It("returns the matching products", func() {
			products, err := api.Query(ctx, footprint, "2023-08-01", "2023-08-30", "S2MSI1C", 20, "SENTINEL-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(products).To(HaveLen(2))

			ids := []string{products[0].ID, products[1].ID}
			Expect(ids).To(ConsistOf("05a23a04-82fa-46e0-b9a9-2c25912a305c", "0cb1b3a2-8834-4875-ad91-21b71d60dd92"))
			Expect(products[0].CloudCover).To(Equal(7.5))
			Expect(products[0].ProductType).To(Equal("S2MSI1C"))
		})

		It("submits the filter expression to the catalog", func() {
			_, err := api.Query(ctx, footprint, "2023-08-01", "2023-08-30", "S2MSI1C", 20, "SENTINEL-2")
			Expect(err).NotTo(HaveOccurred())

			query := fake.lastQuery()
			Expect(query).To(ContainSubstring("Collection/Name eq 'SENTINEL-2'"))
			Expect(query).To(ContainSubstring("OData.CSC.Intersects"))
			Expect(query).To(ContainSubstring("ContentDate/Start ge 2023-08-01T00:00:00Z"))
			Expect(query).To(ContainSubstring("ContentDate/Start le 2023-08-30T00:00:00Z"))
			Expect(query).To(ContainSubstring("att/OData.CSC.DoubleAttribute/Value le 20"))
		})

		It("rejects an invalid query without calling the catalog", func() {
			_, err := api.Query(ctx, footprint, "never", "2023-08-30", "S2MSI1C", 20, "SENTINEL-2")
			var queryErr catalog.InvalidQueryError
			Expect(err).To(BeAssignableToTypeOf(queryErr))
			Expect(fake.lastQuery()).To(BeEmpty())
		})

		It("reports bad credentials", func() {
			api = newAPI("wrong")
			_, err := api.Query(ctx, footprint, "2023-08-01", "2023-08-30", "S2MSI1C", 20, "SENTINEL-2")
			var authErr session.AuthenticationError
			Expect(err).To(BeAssignableToTypeOf(authErr))
		})
	})

	Describe("Download", func() {
		It("retrieves a queried product", func() {
			products, err := api.Query(ctx, footprint, "2023-08-01", "2023-08-30", "S2MSI1C", 20, "SENTINEL-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(products).NotTo(BeEmpty())

			dir, err := os.MkdirTemp("", "sentinel")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path, err := api.Download(ctx, products[0].ID, dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(dir, products[0].ID+".zip")))

			content, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(content).To(Equal(fake.products[products[0].ID]))
		})

		It("reports progress up to completion", func() {
			var updates []downloader.Progress
			dir, err := os.MkdirTemp("", "sentinel")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			_, err = api.Download(ctx, "05a23a04-82fa-46e0-b9a9-2c25912a305c", dir,
				downloader.WithProgress(func(p downloader.Progress) { updates = append(updates, p) }))
			Expect(err).NotTo(HaveOccurred())
			Expect(updates).NotTo(BeEmpty())
			Expect(updates[len(updates)-1].Percent).To(Equal(100.0))
		})

		It("fails on an unknown product", func() {
			dir, err := os.MkdirTemp("", "sentinel")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			_, err = api.Download(ctx, "not-a-product", dir)
			var dlErr downloader.DownloadError
			Expect(err).To(BeAssignableToTypeOf(dlErr))
		})
	})
})

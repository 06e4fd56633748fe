package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/index"
	"github.com/kf6kjg/whip-lru/internal/negcache"
	"github.com/kf6kjg/whip-lru/internal/partition"
	"github.com/kf6kjg/whip-lru/internal/statusdb"
	"github.com/kf6kjg/whip-lru/internal/storage"
	"github.com/kf6kjg/whip-lru/internal/upstream"
	"github.com/kf6kjg/whip-lru/internal/werrors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// countingUpstream is a test double standing in for the out-of-scope
// upstream transport: it records how many times Get was called so tests
// can assert the negative cache actually suppresses repeat consultation.
type countingUpstream struct {
	mu      sync.Mutex
	gets    int
	hit     []byte
	hasHit  bool
	putErrs bool
}

func (u *countingUpstream) Get(context.Context, assetid.ID) ([]byte, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gets++
	if u.hasHit {
		return u.hit, true, nil
	}
	return nil, false, nil
}

func (u *countingUpstream) Put(context.Context, assetid.ID, []byte) (upstream.PutResult, error) {
	return upstream.PutOK, nil
}

func (u *countingUpstream) getCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gets
}

func newManager(root string, maxBytes uint64, interval time.Duration, up *countingUpstream) (*storage.Manager, *partition.Manager) {
	parts := partition.NewManager(root, interval, maxBytes)
	_, err := parts.Bootstrap()
	Expect(err).NotTo(HaveOccurred())
	idx := index.New(parts.ActiveID)
	neg := negcache.New(time.Minute)
	cfg := storage.DefaultConfig(maxBytes)
	var mgr *storage.Manager
	if up != nil {
		mgr = storage.New(idx, parts, neg, nil, nil, up, nil, cfg)
	} else {
		mgr = storage.New(idx, parts, neg, nil, nil, nil, nil, cfg)
	}
	return mgr, parts
}

var _ = Describe("Manager", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "whiplru-storage-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	Describe("Store", func() {
		It("accepts a new asset and reports DUPLICATE on a repeat store", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()

			Expect(mgr.Store(ctx, id, []byte("payload"))).To(Succeed())
			err := mgr.Store(ctx, id, []byte("payload"))
			Expect(errors.Is(err, werrors.ErrExists)).To(BeTrue())
		})

		It("round-trips an empty payload", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()

			Expect(mgr.Store(ctx, id, nil)).To(Succeed())
			data, found, err := mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(data).To(BeEmpty())
		})
	})

	Describe("Get", func() {
		It("returns the stored bytes for a known id", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()
			Expect(mgr.Store(ctx, id, []byte("hello"))).To(Succeed())

			data, found, err := mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(data).To(Equal([]byte("hello")))
		})

		It("rejects the zero asset id", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			_, _, err := mgr.Get(context.Background(), assetid.ID{}, true)
			Expect(errors.Is(err, werrors.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Describe("Purge", func() {
		It("removes a stored asset so a later get reports a miss (purge-after-store lifecycle)", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()
			Expect(mgr.Store(ctx, id, []byte("hello"))).To(Succeed())

			Expect(mgr.Purge(id)).To(Succeed())

			_, found, err := mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("reports NOTFOUND for an id it never stored", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			err := mgr.Purge(assetid.New())
			Expect(errors.Is(err, werrors.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("negative cache suppression of upstream consultation", func() {
		It("only consults upstream once for repeated misses on the same id", func() {
			up := &countingUpstream{}
			mgr, _ := newManager(root, 1<<20, time.Hour, up)
			ctx := context.Background()
			id := assetid.New()

			_, found, err := mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(up.getCount()).To(Equal(1))

			_, found, err = mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(up.getCount()).To(Equal(1), "the negative cache should have suppressed the second upstream call")
		})

		It("caches an upstream hit locally when cacheOnMiss is set", func() {
			up := &countingUpstream{hasHit: true, hit: []byte("from upstream")}
			mgr, _ := newManager(root, 1<<20, time.Hour, up)
			ctx := context.Background()
			id := assetid.New()

			data, found, err := mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(data).To(Equal([]byte("from upstream")))

			// A second get should now hit the local copy, not upstream again.
			_, found, err = mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(up.getCount()).To(Equal(1))
		})
	})

	Describe("LRU eviction across partition intervals", func() {
		It("evicts the oldest partition once the high watermark is crossed", func() {
			// A tiny byte budget and a short rotation interval force an
			// eviction within a handful of stores without needing to wait
			// out a production-scale interval.
			mgr, parts := newManager(root, 200, 5*time.Millisecond, nil)
			ctx := context.Background()

			first := assetid.New()
			Expect(mgr.Store(ctx, first, make([]byte, 100))).To(Succeed())

			time.Sleep(20 * time.Millisecond)

			second := assetid.New()
			Expect(mgr.Store(ctx, second, make([]byte, 100))).To(Succeed())

			time.Sleep(20 * time.Millisecond)

			third := assetid.New()
			Expect(mgr.Store(ctx, third, make([]byte, 100))).To(Succeed())

			_, found, err := mgr.Get(ctx, first, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse(), "the oldest partition should have been evicted for capacity")

			_, found, err = mgr.Get(ctx, third, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			Expect(parts.Count()).To(BeNumerically(">=", 1))
		})
	})

	Describe("PurgeAll with filters (PURGELOCALS)", func() {
		It("removes only assets whose flags byte marks them local", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()

			localID := assetid.New()
			Expect(mgr.Store(ctx, localID, []byte{0x01, 'x'})).To(Succeed())

			remoteID := assetid.New()
			Expect(mgr.Store(ctx, remoteID, []byte{0x00, 'y'})).To(Succeed())

			Expect(mgr.PurgeAll([]storage.Filter{storage.LocalFilter()})).To(Succeed())

			_, found, err := mgr.Get(ctx, localID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())

			_, found, err = mgr.Get(ctx, remoteID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
		})

		It("drops every partition when no filters are given", func() {
			mgr, parts := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()
			Expect(mgr.Store(ctx, id, []byte("x"))).To(Succeed())

			Expect(mgr.PurgeAll(nil)).To(Succeed())

			_, found, err := mgr.Get(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(parts.Count()).To(Equal(1))
		})
	})

	Describe("LocallyKnownIDs", func() {
		It("returns stored ids matching a prefix", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			id := assetid.New()
			Expect(mgr.Store(ctx, id, []byte("x"))).To(Succeed())

			found := mgr.LocallyKnownIDs(id.Compact()[:4])
			Expect(found).To(ContainElement(id))
		})
	})

	Describe("persisted counters via SetStatusDB", func() {
		It("records store/get/purge outcomes that StatusText then reports", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			db, err := statusdb.Open(filepath.Join(root, "status.db"))
			Expect(err).NotTo(HaveOccurred())
			defer db.Close()
			mgr.SetStatusDB(db)

			ctx := context.Background()
			id := assetid.New()
			Expect(mgr.Store(ctx, id, []byte("hello"))).To(Succeed())
			Expect(mgr.Store(ctx, id, []byte("hello"))).To(MatchError(werrors.ErrExists))
			_, _, err = mgr.Get(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Purge(assetid.New())).To(MatchError(werrors.ErrNotFound))

			text, err := mgr.StatusText()
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(ContainSubstring(`"requests.store.ok":1`))
			Expect(text).To(ContainSubstring(`"requests.store.duplicate":1`))
			Expect(text).To(ContainSubstring(`"requests.get.hit":1`))
			Expect(text).To(ContainSubstring(`"requests.purge.not_found":1`))
		})

		It("is a no-op when no statusdb is attached", func() {
			mgr, _ := newManager(root, 1<<20, time.Hour, nil)
			ctx := context.Background()
			Expect(mgr.Store(ctx, assetid.New(), []byte("x"))).To(Succeed())

			text, err := mgr.StatusText()
			Expect(err).NotTo(HaveOccurred())
			Expect(text).NotTo(ContainSubstring("counters"))
		})
	})
})

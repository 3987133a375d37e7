package loader_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/internal/memstore"
	"github.com/edgecomet/classrepo/internal/patternpath"
	"github.com/edgecomet/classrepo/pkg/classdefiner"
	"github.com/edgecomet/classrepo/pkg/loader"
)

func mustPatternPath(st *memstore.Store, patterns []string) *patternpath.PatternPath {
	return patternpath.New(st, patterns)
}

// scenarioURLFactory resolves every path to a mem:// URL, so scenarios can
// assert on code-source identity without a real embedder.
type scenarioURLFactory struct{}

func (scenarioURLFactory) MakeURL(session any, path string) (*url.URL, error) {
	return url.Parse("mem://" + strings.TrimPrefix(path, "/"))
}

type scenarioClass struct{ name string }

func (c *scenarioClass) Name() string { return c.name }

// scenarioDefiner counts Define calls so scenarios can assert a realized
// resource is not re-read.
type scenarioDefiner struct{ calls int }

func (d *scenarioDefiner) Define(ctx context.Context, name string, b []byte, codeSourceURL *url.URL, m *classdefiner.Manifest) (classdefiner.Class, error) {
	d.calls++
	return &scenarioClass{name: name}, nil
}

func buildTestZip(members map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write(content)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Loader", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	// Scenario 1: simple class load with cache reuse.
	Describe("a simple class load", func() {
		It("defines the class once and reuses it on a second lookup", func() {
			st := memstore.New()
			st.PutProperty("/classes/a/b/C.class", []byte("valid-bytecode"))

			def := &scenarioDefiner{}
			l, err := loader.New(ctx, mustPatternPath(st, []string{"/classes/"}), loader.Options{
				Store:      st,
				URLFactory: scenarioURLFactory{},
				Definer:    def,
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			class, err := l.FindClass(ctx, "a.b.C")
			Expect(err).NotTo(HaveOccurred())
			Expect(class.Name()).To(Equal("a.b.C"))
			Expect(def.calls).To(Equal(1))

			class2, err := l.FindClass(ctx, "a.b.C")
			Expect(err).NotTo(HaveOccurred())
			Expect(class2).To(BeIdenticalTo(class))
			Expect(def.calls).To(Equal(1), "second lookup must not re-read the property")
		})
	})

	// Scenario 2: negative cache, cleared by a store event through an
	// event-driven DynamicLoader.
	Describe("a negative cache entry", func() {
		It("clears on a store event through DynamicLoader", func() {
			st := memstore.New()
			st.PutNode("/classes")

			dl, err := loader.NewDynamic(ctx, st, []string{"/classes/"}, loader.Options{
				URLFactory: scenarioURLFactory{},
				Definer:    &scenarioDefiner{},
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			_, ok := dl.FindResource(ctx, "X.class")
			Expect(ok).To(BeFalse())

			// Creating the property fires PropertyAdded, which the
			// DynamicLoader's store-event listener turns into
			// clean_not_found.
			st.PutProperty("/classes/X.class", []byte("bytes"))

			u, ok := dl.FindResource(ctx, "X.class")
			Expect(ok).To(BeTrue())
			Expect(u.String()).To(Equal("mem://classes/X.class"))
		})
	})

	// Scenario 3: archive resolution, code_source_url is the archive's own URL.
	Describe("an archive entry", func() {
		It("resolves a member and reports the archive's own URL as code source", func() {
			st := memstore.New()
			st.PutProperty("/lib/jars", buildTestZip(map[string][]byte{
				"org/x/Y.class": []byte("member-bytes"),
			}))

			def := &scenarioDefiner{}
			l, err := loader.New(ctx, mustPatternPath(st, []string{"/lib/jars"}), loader.Options{
				Store:      st,
				URLFactory: scenarioURLFactory{},
				Definer:    def,
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			class, err := l.FindClass(ctx, "org.x.Y")
			Expect(err).NotTo(HaveOccurred())
			Expect(class.Name()).To(Equal("org.x.Y"))

			u, ok := l.FindResource(ctx, "org/x/Y.class")
			Expect(ok).To(BeTrue())
			// The member is not separately addressable: its own URL and
			// the archive's code-source URL both resolve to the
			// archive's own path, never a synthetic member URL.
			Expect(u.String()).To(Equal("mem://lib/jars"))
		})
	})

	// Scenario 4: expiry and dirty flag after a realized resource's witness changes.
	Describe("expiry of a realized resource", func() {
		It("sets should_reload and is_dirty once the witness property is modified", func() {
			st := memstore.New()
			st.PutProperty("/cls/A.class", []byte("v1"))

			dl, err := loader.NewDynamic(ctx, st, []string{"/cls/"}, loader.Options{
				URLFactory: scenarioURLFactory{},
				Definer:    &scenarioDefiner{},
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = dl.FindClass(ctx, "A")
			Expect(err).NotTo(HaveOccurred())

			st.PutProperty("/cls/A.class", []byte("v2"))

			Eventually(func() bool {
				return dl.IsDirty()
			}, time.Second, 5*time.Millisecond).Should(BeTrue())
			Expect(dl.ShouldReloadAny(ctx)).To(BeTrue())
		})
	})

	// Scenario 5: pattern change triggers a DynamicPatternPath rebuild.
	Describe("a pattern change", func() {
		It("rebuilds the entry list and becomes dirty once a new match appears", func() {
			st := memstore.New()
			st.PutProperty("/aclasses/A.class", []byte("a"))

			dl, err := loader.NewDynamic(ctx, st, []string{"*classes"}, loader.Options{
				URLFactory: scenarioURLFactory{},
				Definer:    &scenarioDefiner{},
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			_, ok := dl.FindResource(ctx, "A.class")
			Expect(ok).To(BeTrue())
			Expect(dl.Stats().PathEntries).To(Equal(1))

			st.PutProperty("/bclasses/B.class", []byte("b"))

			Eventually(func() int {
				return dl.Stats().PathEntries
			}, time.Second, 5*time.Millisecond).Should(Equal(2))
			Expect(dl.IsDirty()).To(BeTrue())
		})
	})

	// Scenario 6: ordering across multiple search-path entries.
	Describe("multiple search-path entries", func() {
		It("returns all matches in search-path order, and the first for a single lookup", func() {
			st := memstore.New()
			st.PutProperty("/first/M.class", []byte("one"))
			st.PutProperty("/second/M.class", []byte("two"))

			l, err := loader.New(ctx, mustPatternPath(st, []string{"/first/", "/second/"}), loader.Options{
				Store:      st,
				URLFactory: scenarioURLFactory{},
				Definer:    &scenarioDefiner{},
				Logger:     zap.NewNop(),
			})
			Expect(err).NotTo(HaveOccurred())

			urls := l.FindResources(ctx, "M.class")
			Expect(urls).To(HaveLen(2))
			Expect(urls[0].String()).To(Equal("mem://first/M.class"))
			Expect(urls[1].String()).To(Equal("mem://second/M.class"))

			single, ok := l.FindResource(ctx, "M.class")
			Expect(ok).To(BeTrue())
			Expect(single.String()).To(Equal("mem://first/M.class"))
		})
	})
})

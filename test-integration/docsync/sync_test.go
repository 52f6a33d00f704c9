package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/stacklok/docsync/internal/api/v1"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/store/memory"
	"github.com/stacklok/docsync/test-integration/docsync/helpers"
)

const (
	eventuallyTimeout = 15 * time.Second
	pollingInterval   = 50 * time.Millisecond
)

var _ = Describe("Sync Integration", Label("sync"), func() {
	var (
		tempDir string
		st      *memory.Store
		helper  *helpers.AppTestHelper
		pairID  int64
	)

	BeforeEach(func() {
		tempDir = createTempDir("docsync-test-")
		st = memory.New()
		pairID = st.AddCCPair(st.AddConnector("wiki"), st.AddCredential("alice@example.com"), "wiki", false)
	})

	JustBeforeEach(func() {
		var err error
		helper, err = helpers.StartApp(ctx, tempDir, st)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if helper != nil {
			Expect(helper.Stop()).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	fences := func() []string {
		code, body, err := helper.Get("/v1/fences")
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(http.StatusOK))
		var resp v1.FencesResponse
		Expect(json.Unmarshal(body, &resp)).To(Succeed())
		keys := make([]string, 0, len(resp.Fences))
		for _, f := range resp.Fences {
			keys = append(keys, f.FenceKey)
		}
		return keys
	}

	Context("Health", func() {
		It("should report healthy and ready", func() {
			Eventually(func() int {
				code, _, _ := helper.Get("/readiness")
				return code
			}, eventuallyTimeout, pollingInterval).Should(Equal(http.StatusOK))

			code, body, err := helper.Get("/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring("healthy"))
		})

		It("should report not ready when redis is down", func() {
			Eventually(func() int {
				code, _, _ := helper.Get("/readiness")
				return code
			}, eventuallyTimeout, pollingInterval).Should(Equal(http.StatusOK))

			helper.Redis.SetError("LOADING redis is loading the dataset in memory")
			Eventually(func() int {
				code, _, _ := helper.Get("/readiness")
				return code
			}, eventuallyTimeout, pollingInterval).Should(Equal(http.StatusServiceUnavailable))

			helper.Redis.SetError("")
			Eventually(func() int {
				code, _, _ := helper.Get("/readiness")
				return code
			}, eventuallyTimeout, pollingInterval).Should(Equal(http.StatusOK))
		})
	})

	Context("Document sets", func() {
		var setID int64

		BeforeEach(func() {
			st.AddDocument(store.Document{ID: "doc-1", LastModified: time.Now().Add(-time.Minute)}, pairID)
			st.AddDocument(store.Document{ID: "doc-2", LastModified: time.Now().Add(-time.Minute)}, pairID)
			setID = st.AddDocumentSet("engineering", pairID)
		})

		It("should push the set to every member document and mark it up to date", func() {
			Eventually(func() bool {
				set, err := st.GetDocumentSet(ctx, setID)
				return err == nil && set.IsUpToDate
			}, eventuallyTimeout, pollingInterval).Should(BeTrue())

			for _, id := range []string{"doc-1", "doc-2"} {
				updates := helper.Vespa.Updates(id)
				Expect(updates).NotTo(BeEmpty())
				Expect(updates[len(updates)-1].DocumentSets()).To(ConsistOf("engineering"))
				Expect(updates[len(updates)-1].ACL()).To(ConsistOf("user_email:alice@example.com"))
			}

			Eventually(fences, eventuallyTimeout, pollingInterval).Should(BeEmpty())
		})

		It("should remove a set dropped from the pair from its documents", func() {
			Eventually(func() bool {
				set, err := st.GetDocumentSet(ctx, setID)
				return err == nil && set.IsUpToDate
			}, eventuallyTimeout, pollingInterval).Should(BeTrue())

			st.RemoveDocumentSetPair(setID, pairID)

			Eventually(func() []string {
				updates := helper.Vespa.Updates("doc-1")
				return updates[len(updates)-1].DocumentSets()
			}, eventuallyTimeout, pollingInterval).Should(BeEmpty())
		})
	})

	Context("User groups", func() {
		It("should sync outdated groups when the extension is enabled", func() {
			st.AddDocument(store.Document{ID: "doc-1", LastModified: time.Now().Add(-time.Minute)}, pairID)
			groupID := st.AddUserGroup("support", pairID)

			Eventually(func() bool {
				group, err := st.GetUserGroup(ctx, groupID)
				return err == nil && group.IsUpToDate
			}, eventuallyTimeout, pollingInterval).Should(BeTrue())

			updates := helper.Vespa.Updates("doc-1")
			Expect(updates).NotTo(BeEmpty())
			Expect(updates[len(updates)-1].ACL()).To(ContainElement("group:support"))
		})
	})

	Context("Stale documents", func() {
		BeforeEach(func() {
			st.AddDocument(store.Document{ID: "doc-1", NeedsSync: true, LastModified: time.Now().Add(-time.Minute)}, pairID)
		})

		It("should clear needs_sync after the index is updated", func() {
			Eventually(func() bool {
				doc, err := st.GetDocument(ctx, "doc-1")
				return err == nil && !doc.NeedsSync
			}, eventuallyTimeout, pollingInterval).Should(BeTrue())
			Expect(helper.Vespa.Updates("doc-1")).NotTo(BeEmpty())
		})

		It("should ride out transient index failures", func() {
			helper.Vespa.FailDocument("doc-1", 2)

			Eventually(func() bool {
				doc, err := st.GetDocument(ctx, "doc-1")
				return err == nil && !doc.NeedsSync
			}, eventuallyTimeout, pollingInterval).Should(BeTrue())
		})
	})

	Context("Connector deletion", func() {
		var keepID int64

		BeforeEach(func() {
			keepID = st.AddCCPair(st.AddConnector("drive"), st.AddCredential("bob@example.com"), "drive", false)
			st.AddDocument(store.Document{ID: "doc-1", LastModified: time.Now().Add(-time.Minute)}, pairID)
			st.AddDocument(store.Document{ID: "doc-2", LastModified: time.Now().Add(-time.Minute)}, pairID, keepID)
		})

		deletionPath := func(id int64) string {
			return fmt.Sprintf("/v1/cc-pairs/%d/deletion", id)
		}

		It("should report an active pair as not started", func() {
			code, body, err := helper.Get(deletionPath(pairID))
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusOK))

			var resp v1.DeletionStatusResponse
			Expect(json.Unmarshal(body, &resp)).To(Succeed())
			Expect(resp.Status).To(Equal(v1.DeletionNotStarted))
		})

		It("should remove the pair and clean up its documents", func() {
			code, _, err := helper.Post(deletionPath(pairID))
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusAccepted))

			Eventually(func() int {
				code, _, _ := helper.Get(deletionPath(pairID))
				return code
			}, eventuallyTimeout, pollingInterval).Should(Equal(http.StatusNotFound))

			By("deleting documents only the pair referenced")
			Expect(helper.Vespa.Deleted("doc-1")).To(BeTrue())
			_, err = st.GetDocument(ctx, "doc-1")
			Expect(err).To(MatchError(store.ErrNotFound))

			By("keeping shared documents with the remaining access")
			Expect(helper.Vespa.Deleted("doc-2")).To(BeFalse())
			updates := helper.Vespa.Updates("doc-2")
			Expect(updates).NotTo(BeEmpty())
			Expect(updates[len(updates)-1].ACL()).To(ConsistOf("user_email:bob@example.com"))

			code, _, err = helper.Get(deletionPath(keepID))
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(http.StatusOK))

			Eventually(fences, eventuallyTimeout, pollingInterval).Should(BeEmpty())
		})
	})
})

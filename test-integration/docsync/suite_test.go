package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx    context.Context
	cancel context.CancelFunc
)

func TestDocsyncIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Docsync Integration Suite")
}

var _ = BeforeSuite(func() {
	slog.SetDefault(slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, cancel = context.WithCancel(context.TODO())
})

var _ = AfterSuite(func() {
	cancel()
})

// createTempDir creates a temporary directory for test files
func createTempDir(prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	Expect(err).NotTo(HaveOccurred())
	return dir
}

// cleanupTempDir removes a temporary directory
func cleanupTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		By(fmt.Sprintf("Warning: failed to cleanup temp dir %s: %v", dir, err))
	}
}

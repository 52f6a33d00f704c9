// Package integration provides integration tests for docsync.
// These tests run every role in process against miniredis and a fake Vespa
// cluster and drive document set, user group, stale document and connector
// deletion syncs through the ops API.
package integration

package fence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Keys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		kind       Kind
		id         int64
		fenceKey   string
		tasksetKey string
	}{
		{name: "document set", kind: DocumentSet, id: 7, fenceKey: "documentset_fence:7", tasksetKey: "documentset_taskset:7"},
		{name: "user group", kind: UserGroup, id: 3, fenceKey: "usergroup_fence:3", tasksetKey: "usergroup_taskset:3"},
		{name: "connector deletion", kind: ConnectorDeletion, id: 42, fenceKey: "connectordeletion_fence:42", tasksetKey: "connectordeletion_taskset:42"},
		{name: "connector sync is shared", kind: ConnectorSync, id: 42, fenceKey: "connectorsync_fence", tasksetKey: "connectorsync_taskset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.fenceKey, tt.kind.FenceKey(tt.id))
			assert.Equal(t, tt.tasksetKey, tt.kind.TasksetKey(tt.id))
			if !tt.kind.Shared() {
				id, err := tt.kind.ParseFenceKey(tt.fenceKey)
				require.NoError(t, err)
				assert.Equal(t, tt.id, id)
			}
		})
	}
}

func TestKind_ParseFenceKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    Kind
		key     string
		want    int64
		wantErr bool
	}{
		{name: "valid", kind: DocumentSet, key: "documentset_fence:12", want: 12},
		{name: "negative id", kind: DocumentSet, key: "documentset_fence:-1", want: -1},
		{name: "other kind", kind: DocumentSet, key: "usergroup_fence:12", wantErr: true},
		{name: "missing id", kind: DocumentSet, key: "documentset_fence:", wantErr: true},
		{name: "non integer id", kind: UserGroup, key: "usergroup_fence:abc", wantErr: true},
		{name: "legacy separator", kind: UserGroup, key: "usergroup_fence_3", wantErr: true},
		{name: "shared kind", kind: ConnectorSync, key: "connectorsync_fence", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := tt.kind.ParseFenceKey(tt.key)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestTaskID(t *testing.T) {
	t.Parallel()

	a := DocumentSet.NewTaskID(7)
	b := DocumentSet.NewTaskID(7)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^documentset_7_[0-9a-f-]{36}$`, a)

	kind, id, err := ParseTaskID(a)
	require.NoError(t, err)
	assert.Equal(t, DocumentSet, kind)
	assert.Equal(t, int64(7), id)

	for _, bad := range []string{"", "documentset", "documentset_x_y", "nope_1_y"} {
		_, _, err := ParseTaskID(bad)
		assert.ErrorIs(t, err, ErrInvalidTaskID, bad)
	}
}

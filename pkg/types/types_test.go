package types_test

import (
	"path/filepath"
	"testing"

	"github.com/cdimage/cdimage/pkg/types"
)

func TestBuildKey_Paths(t *testing.T) {
	root := "/srv/cdimage"
	key := types.BuildKey{Project: "ubuntu", Series: "raring", ImageType: "daily"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"lock", key.LockPath(root), "/srv/cdimage/etc/.lock-build-image-set-ubuntu-raring-daily"},
		{"log", key.LogPath(root, "20130225"), "/srv/cdimage/log/ubuntu/raring/daily-20130225.log"},
		{"scratch", key.ScratchDir(root), "/srv/cdimage/scratch/ubuntu/raring/daily"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != filepath.FromSlash(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestBuildKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     types.BuildKey
		wantErr bool
	}{
		{"complete", types.BuildKey{Project: "ubuntu", Series: "raring", ImageType: "daily"}, false},
		{"missing project", types.BuildKey{Series: "raring", ImageType: "daily"}, true},
		{"missing series", types.BuildKey{Project: "ubuntu", ImageType: "daily"}, true},
		{"missing image type", types.BuildKey{Project: "ubuntu", Series: "raring"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	l := types.Layout{Root: "/srv/cdimage"}

	if l.ArchiveSyncLock() != filepath.FromSlash("/srv/cdimage/etc/.lock-archive-sync") {
		t.Errorf("unexpected sync lock path %s", l.ArchiveSyncLock())
	}
	if l.Semaphore() != filepath.FromSlash("/srv/cdimage/etc/.sem-build-image-set") {
		t.Errorf("unexpected semaphore path %s", l.Semaphore())
	}
	if l.NotifyAddresses() != filepath.FromSlash("/srv/cdimage/production/notify-addresses") {
		t.Errorf("unexpected notify path %s", l.NotifyAddresses())
	}
}

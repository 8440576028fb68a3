package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enkore/borgcube/pkg/types"
)

func TestCommandDefaults(t *testing.T) {
	conn := &types.RshConnection{Remote: "root@host1"}
	name, args := Command(conn, "deadbeef")

	assert.Equal(t, "ssh", name)
	assert.Equal(t, []string{"root@host1", "borg", "borgcube-client", "deadbeef"}, args)
}

func TestCommandFullyConfigured(t *testing.T) {
	conn := &types.RshConnection{
		Remote:         "backup@host2",
		RSH:            "ssh",
		RSHOptions:     []string{"-oBatchMode=yes", "-p", "2222"},
		IdentityFile:   "/etc/borgcube/id_ed25519",
		RemoteBorg:     "/usr/local/bin/borg",
		RemoteCacheDir: "/var/cache/borg",
	}
	name, args := Command(conn, "cafe")

	assert.Equal(t, "ssh", name)
	assert.Equal(t, []string{
		"-oBatchMode=yes", "-p", "2222",
		"-i", "/etc/borgcube/id_ed25519",
		"backup@host2",
		"BORG_CACHE_DIR=/var/cache/borg /usr/local/bin/borg",
		"borgcube-client", "cafe",
	}, args)
}

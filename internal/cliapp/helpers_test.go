package cliapp_test

import (
	"encoding/json"
	"testing"

	"github.com/pgbackup/pgbackup/internal/cliapp"
)

type backupJSON struct {
	Instance string `json:"instance"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Mode     string `json:"backup_mode"`
	Status   string `json:"status"`
}

// listBackupIDs shells out to `show --json` and returns the backup ids
// known for the instance, in catalog order.
func listBackupIDs(t *testing.T, c *cliapp.CLI, instance ...string) []string {
	t.Helper()

	inst := "primary"
	if len(instance) > 0 {
		inst = instance[0]
	}

	out := c.MustRun("show", "--instance", inst, "--json")

	var rows []backupJSON
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("parsing show --json output: %v\noutput: %s", err, out)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	return ids
}

package dolt

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcdolt "github.com/testcontainers/testcontainers-go/modules/dolt"
	"golang.org/x/sync/errgroup"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// TestServerMode exercises the sql-server path against a containerized Dolt.
// Guarded by FV_TEST_DOLT_SERVER=1 because it needs a Docker daemon.
func TestServerMode(t *testing.T) {
	if os.Getenv("FV_TEST_DOLT_SERVER") != "1" {
		t.Skip("set FV_TEST_DOLT_SERVER=1 to run the containerized server test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := tcdolt.Run(ctx, "dolthub/dolt-sql-server:latest",
		tcdolt.WithDatabase("testdb"),
		tcdolt.WithUsername("root"),
		tcdolt.WithPassword(""),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	store, err := New(ctx, &Config{
		Database:   "testdb",
		ServerMode: true,
		ServerHost: host,
		ServerPort: port.Int(),
		ServerUser: "root",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.DefineField(ctx, "app", &types.FieldDefinitionInput{
		FieldName: "weight_kg",
		DataType:  types.TypeNumber,
	}, "tester")
	require.NoError(t, err)

	keys := map[string]string{"study": "S-100", "subject": "001"}
	var res *types.FieldSaveResult
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		groupID, err := tx.ResolveContext(ctx, "app", keys)
		if err != nil {
			return err
		}
		defs, err := tx.LookupFields(ctx, "app", []string{"weight_kg"})
		if err != nil {
			return err
		}
		res, err = tx.SaveFieldValue(ctx, &storage.SaveFieldRequest{
			ContextGroupID: groupID,
			Definition:     defs["weight_kg"],
			Value:          70.5,
			Actor:          "tester",
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.SequentialVersionNum)

	groupID, err := store.FindContext(ctx, "app", keys)
	require.NoError(t, err)
	views, err := store.GetCurrentValues(ctx, "app", groupID, []string{"weight_kg"})
	require.NoError(t, err)
	require.Equal(t, 70.5, views["weight_kg"].Value)

	// Parallel first writes to a brand-new pair over the multi-connection
	// pool. Losers of the first-insert race hit the unique index, surface a
	// conflict, and succeed on one retry.
	_, err = store.DefineField(ctx, "app", &types.FieldDefinitionInput{
		FieldName: "height_cm",
		DataType:  types.TypeNumber,
	}, "tester")
	require.NoError(t, err)

	freshKeys := map[string]string{"study": "S-100", "subject": "002"}
	const writers = 4
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		val := float64(150 + i)
		g.Go(func() error {
			_, err := saveOne(gctx, store, "app", freshKeys, "height_cm", val, "writer")
			if errors.Is(err, storage.ErrConflict) {
				_, err = saveOne(gctx, store, "app", freshKeys, "height_cm", val, "writer")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	freshGroup, err := store.FindContext(ctx, "app", freshKeys)
	require.NoError(t, err)
	trail, err := store.GetFieldAuditTrail(ctx, "app", freshGroup, "height_cm")
	require.NoError(t, err)
	require.Len(t, trail, writers)
	for i, rec := range trail {
		require.Equal(t, i+1, rec.Version)
	}
}

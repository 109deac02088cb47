// Package storetest holds behaviour checks shared by every ports.MeshStore
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

func link(source, target domain.NodeID, transport domain.TransportID) domain.RelayLink {
	return domain.RelayLink{
		SourceNodeID: source,
		TargetNodeID: target,
		TransportID:  transport,
		Endpoint:     domain.Endpoint{IP: "10.0.0.1", Port: 40000},
		Security:     domain.SRTPParameters{CryptoSuite: "AES_CM_128_HMAC_SHA1_80", KeyBase64: "a2V5"},
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises store through the full MeshStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.MeshStore) {
	t.Run("relay links", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.GetRelayLink(ctx, "sfu1", "sfu2")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.PutRelayLink(ctx, link("sfu1", "sfu2", "pipe-1-2")))
		require.NoError(t, s.PutRelayLink(ctx, link("sfu2", "sfu1", "pipe-2-1")))
		require.NoError(t, s.PutRelayLink(ctx, link("sfu2", "sfu3", "pipe-2-3")))

		got, ok, err := s.GetRelayLink(ctx, "sfu1", "sfu2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.TransportID("pipe-1-2"), got.TransportID)
		assert.Equal(t, 40000, got.Endpoint.Port)

		// a put for the same direction replaces the old link
		require.NoError(t, s.PutRelayLink(ctx, link("sfu1", "sfu2", "pipe-1-2b")))
		got, _, err = s.GetRelayLink(ctx, "sfu1", "sfu2")
		require.NoError(t, err)
		assert.Equal(t, domain.TransportID("pipe-1-2b"), got.TransportID)

		all, err := s.ListRelayLinks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, s.DeleteRelayLinks(ctx, "sfu1"))
		all, err = s.ListRelayLinks(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, domain.NodeID("sfu3"), all[0].TargetNodeID)
	})

	t.Run("rejects incomplete links", func(t *testing.T) {
		s := newStore(t)
		err := s.PutRelayLink(context.Background(), domain.RelayLink{SourceNodeID: "sfu1", TargetNodeID: "sfu2"})
		assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	})

	t.Run("replication records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := domain.ReplicationRecord{
			SourceProducerID:  "p1",
			SourceNodeID:      "sfu1",
			TargetNodeID:      "sfu2",
			RelayProducerID:   "relay-1",
			ReplicaProducerID: "replica-1",
			TransportID:       "pipe-1-2",
			Kind:              domain.KindVideo,
			RoomID:            "r1",
			ParticipantID:     "alice",
		}
		require.NoError(t, s.PutReplicationRecord(ctx, rec))
		rec3 := rec
		rec3.TargetNodeID = "sfu3"
		require.NoError(t, s.PutReplicationRecord(ctx, rec3))

		got, ok, err := s.GetReplicationRecord(ctx, "p1", "sfu2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.ProducerID("replica-1"), got.ReplicaProducerID)

		list, err := s.ListReplicationRecords(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, domain.NodeID("sfu2"), list[0].TargetNodeID)
		assert.Equal(t, domain.NodeID("sfu3"), list[1].TargetNodeID)

		require.NoError(t, s.DeleteReplicationRecord(ctx, "p1", "sfu2"))
		_, ok, err = s.GetReplicationRecord(ctx, "p1", "sfu2")
		require.NoError(t, err)
		assert.False(t, ok)

		// deleting an absent record is not an error
		assert.NoError(t, s.DeleteReplicationRecord(ctx, "p1", "sfu9"))

		empty, err := s.ListReplicationRecords(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, empty)

		assert.ErrorIs(t, s.PutReplicationRecord(ctx, domain.ReplicationRecord{}), domain.ErrInvalidParameters)
	})

	t.Run("node liveness", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.TouchNode(ctx, "sfu2"))
		require.NoError(t, s.TouchNode(ctx, "sfu1"))

		active, err := s.ActiveStoreNodes(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []domain.NodeID{"sfu1", "sfu2"}, active)
		assert.NoError(t, s.Ping(ctx))
	})
}

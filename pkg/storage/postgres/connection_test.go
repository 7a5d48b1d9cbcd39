package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single url",
			input:    "postgres://replica1:5432/identity",
			expected: []string{"postgres://replica1:5432/identity"},
		},
		{
			name:     "multiple urls with whitespace",
			input:    "postgres://replica1/identity, postgres://replica2/identity ,postgres://replica3/identity",
			expected: []string{"postgres://replica1/identity", "postgres://replica2/identity", "postgres://replica3/identity"},
		},
		{
			name:     "trailing comma and blanks",
			input:    "postgres://replica1/identity,, ,",
			expected: []string{"postgres://replica1/identity"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestReplicaFallsBackToPrimary(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cm := &ConnectionManager{primary: db, log: testMigrationLogger()}

	assert.Same(t, db, cm.Primary())
	assert.Same(t, db, cm.Replica())
}

func TestReplicaRoundRobins(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	replicaA, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaA.Close()

	replicaB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaB.Close()

	cm := &ConnectionManager{primary: primary, log: testMigrationLogger()}
	cm.replicas = append(cm.replicas, replicaA, replicaB)

	seen := map[interface{}]int{}
	for i := 0; i < 4; i++ {
		seen[cm.Replica()]++
	}

	assert.Equal(t, 2, seen[replicaA])
	assert.Equal(t, 2, seen[replicaB])
	assert.Zero(t, seen[primary])
}

func TestHealthCheckReportsPrimaryFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	cm := &ConnectionManager{primary: db, log: testMigrationLogger()}

	err = cm.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary unhealthy")
}

func TestHealthCheckDegradedWhenAllReplicasDown(t *testing.T) {
	primary, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer primary.Close()
	primaryMock.ExpectPing()

	replica, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer replica.Close()
	replicaMock.ExpectPing().WillReturnError(errors.New("connection refused"))

	cm := &ConnectionManager{primary: primary, log: testMigrationLogger()}
	cm.replicas = append(cm.replicas, replica)

	err = cm.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all replicas unhealthy")
}

func TestRemoveUnhealthyReplicas(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	healthy, healthyMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer healthy.Close()
	healthyMock.ExpectPing()

	broken, brokenMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	brokenMock.ExpectPing().WillReturnError(errors.New("connection refused"))
	brokenMock.ExpectClose()

	cm := &ConnectionManager{primary: primary, log: testMigrationLogger()}
	cm.replicas = append(cm.replicas, healthy, broken)

	removed := cm.RemoveUnhealthyReplicas(context.Background())

	assert.Equal(t, 1, removed)
	require.Len(t, cm.replicas, 1)
	assert.Same(t, healthy, cm.replicas[0])
}

func TestStatsCoversPrimaryAndReplicas(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	replica, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	cm := &ConnectionManager{primary: primary, log: testMigrationLogger()}
	cm.replicas = append(cm.replicas, replica)

	stats := cm.Stats()
	assert.Len(t, stats.Replicas, 1)
}

package badger

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"orchestrator/internal/subscription/store/storetest"
)

type BadgerStoreSuite struct {
	storetest.Suite
	db *badger.DB
}

func TestBadgerStoreSuite(t *testing.T) {
	suite.Run(t, new(BadgerStoreSuite))
}

func (s *BadgerStoreSuite) SetupTest() {
	db, err := Open(Config{InMemory: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	s.Require().NoError(err)
	s.db = db
	s.Store = New(db)
}

func (s *BadgerStoreSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

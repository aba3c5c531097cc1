package keyprovider_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"custos/internal/signature/keyprovider"
)

type LocalFileSuite struct {
	suite.Suite

	ctx  context.Context
	path string
}

func TestLocalFileSuite(t *testing.T) {
	suite.Run(t, new(LocalFileSuite))
}

func (s *LocalFileSuite) SetupTest() {
	s.ctx = context.Background()
	s.path = filepath.Join(s.T().TempDir(), "keys.json")
}

func (s *LocalFileSuite) TestKeysSurviveRestart() {
	first, err := keyprovider.NewLocalFile(s.path)
	s.Require().NoError(err)

	keyID, err := first.ActiveKeyID(s.ctx)
	s.Require().NoError(err)
	payload := []byte("record.purge|tenant-7")
	sig, err := first.Sign(s.ctx, keyID, payload)
	s.Require().NoError(err)

	// A second provider over the same file stands in for a restart, or for
	// the sweep binary verifying what the server signed.
	second, err := keyprovider.NewLocalFile(s.path)
	s.Require().NoError(err)

	reloadedID, err := second.ActiveKeyID(s.ctx)
	s.Require().NoError(err)
	s.Equal(keyID, reloadedID)

	valid, err := second.Verify(s.ctx, keyID, payload, sig)
	s.Require().NoError(err)
	s.True(valid)
}

func (s *LocalFileSuite) TestRotationPersistsOldKeys() {
	first, err := keyprovider.NewLocalFile(s.path)
	s.Require().NoError(err)

	oldID, err := first.ActiveKeyID(s.ctx)
	s.Require().NoError(err)
	payload := []byte("consent.withdraw|tenant-3")
	sig, err := first.Sign(s.ctx, oldID, payload)
	s.Require().NoError(err)

	newID, err := first.Rotate(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(oldID, newID)

	second, err := keyprovider.NewLocalFile(s.path)
	s.Require().NoError(err)

	activeID, err := second.ActiveKeyID(s.ctx)
	s.Require().NoError(err)
	s.Equal(newID, activeID)

	// Signatures made before the rotation verify by their recorded key id.
	valid, err := second.Verify(s.ctx, oldID, payload, sig)
	s.Require().NoError(err)
	s.True(valid)
}

func (s *LocalFileSuite) TestKeyFileIsPrivate() {
	_, err := keyprovider.NewLocalFile(s.path)
	s.Require().NoError(err)

	info, err := os.Stat(s.path)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())
}

func (s *LocalFileSuite) TestMalformedFileRejected() {
	s.Require().NoError(os.WriteFile(s.path, []byte(`{"active":"k1","keys":{"k1":"zz"}}`), 0o600))

	_, err := keyprovider.NewLocalFile(s.path)
	s.Require().Error(err)
}

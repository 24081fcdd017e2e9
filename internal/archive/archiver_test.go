package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sqliteHeaderStub is a minimal byte sequence starting with the real
// SQLite magic header, enough for verifyGzipSQLite's header check
// without depending on a real database file.
var sqliteHeaderStub = append([]byte("SQLite format 3\x00"), make([]byte, 100)...)

type fakeVacuumSource struct {
	shardDir    string
	checkpoints []string
}

func (f *fakeVacuumSource) ShardPath(tradingDay string) string {
	return filepath.Join(f.shardDir, "ticks_"+tradingDay+".sqlite3")
}

func (f *fakeVacuumSource) VacuumInto(tradingDay, destPath string) error {
	return os.WriteFile(destPath, sqliteHeaderStub, 0o644)
}

func (f *fakeVacuumSource) WALCheckpoint(tradingDay, mode string) error {
	f.checkpoints = append(f.checkpoints, tradingDay+":"+mode)
	return nil
}

func newTestArchiver(t *testing.T, store *fakeVacuumSource) (*Archiver, string) {
	t.Helper()
	archiveDir := t.TempDir()
	a := New(Config{Enabled: true, Dir: archiveDir, KeepDays: 2}, store, nil, zerolog.Nop())
	return a, archiveDir
}

func TestArchiveDay_ProducesArchiveChecksumAndManifest(t *testing.T) {
	dataRoot := t.TempDir()
	store := &fakeVacuumSource{shardDir: dataRoot}
	tradingDay := "20260801"
	require.NoError(t, os.WriteFile(store.ShardPath(tradingDay), []byte("placeholder"), 0o644))

	a, archiveDir := newTestArchiver(t, store)

	result, err := a.ArchiveDay(context.Background(), dataRoot, tradingDay, false)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.False(t, result.DeletedOriginal)
	assert.FileExists(t, result.ArchiveFile)
	assert.FileExists(t, result.ChecksumFile)
	assert.FileExists(t, result.ManifestFile)
	assert.Equal(t, filepath.Join(archiveDir, tradingDay+".sqlite3.gz"), result.ArchiveFile)

	manifestBytes, err := os.ReadFile(result.ManifestFile)
	require.NoError(t, err)
	var manifest manifestPayload
	require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
	assert.True(t, manifest.VerifyOK)
	assert.Equal(t, "gzip", manifest.Compression)
	assert.NotEmpty(t, manifest.ChecksumSHA256)
}

func TestArchiveDay_MissingShardReturnsError(t *testing.T) {
	dataRoot := t.TempDir()
	store := &fakeVacuumSource{shardDir: dataRoot}
	a, _ := newTestArchiver(t, store)

	_, err := a.ArchiveDay(context.Background(), dataRoot, "20260801", false)
	assert.Error(t, err)
}

func TestIsArchivedAndVerified_FalseWithoutManifest(t *testing.T) {
	dataRoot := t.TempDir()
	store := &fakeVacuumSource{shardDir: dataRoot}
	a, _ := newTestArchiver(t, store)

	assert.False(t, a.isArchivedAndVerified("20260801"))
}

func TestGzipAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sqlite3")
	require.NoError(t, os.WriteFile(src, sqliteHeaderStub, 0o644))

	dst := filepath.Join(dir, "dst.sqlite3.gz")
	require.NoError(t, gzipFile(src, dst))

	ok, err := verifyGzipSQLite(dst)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyGzipSQLite_RejectsNonSQLitePayload(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("not a sqlite file at all, just junk bytes padded out"), 0o644))

	dst := filepath.Join(dir, "dst.bin.gz")
	require.NoError(t, gzipFile(src, dst))

	ok, err := verifyGzipSQLite(dst)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSHA256File_MatchesKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum, err := sha256File(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
}

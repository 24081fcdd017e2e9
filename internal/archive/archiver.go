// Package archive performs the daily hot-backup-and-compress cycle for
// a trading day's shard: VACUUM INTO a consistent snapshot, gzip it,
// checksum it, write a JSON manifest, optionally upload to S3-compatible
// object storage, and retire shard files once their archive is verified.
// Grounded on original_source/hk_tick_collector/archive/archiver.py.
package archive

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/billpwchan/hk-tick-collector/internal/calendar"
	"github.com/billpwchan/hk-tick-collector/internal/config"
	"github.com/billpwchan/hk-tick-collector/internal/quality"
	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
)

// Config is the narrowed set of tunables the archiver needs.
type Config struct {
	Enabled    bool
	Dir        string
	KeepDays   int
	S3Bucket   string
	S3Prefix   string
	QualityCfg quality.ReportConfig
}

// ConfigFromAppConfig narrows config.Config down to Config. The quality
// report embedded in every manifest reuses the same gap-detection
// tunables the live GapDetector runs with, so the archived summary
// reflects the same thresholds as same-day alerting.
func ConfigFromAppConfig(cfg *config.Config) Config {
	sessions, _ := timeutil.ParseTradingSessions(cfg.TradingSessions)
	cal, err := calendar.NewCalendar(sessions, cfg.HolidayFile)
	var holidays map[string]struct{}
	if err == nil {
		holidays = cal.Holidays
	}
	return Config{
		Enabled:  cfg.ArchiveEnabled,
		Dir:      cfg.ArchiveDir,
		KeepDays: cfg.ArchiveKeepDays,
		S3Bucket: cfg.ArchiveS3Bucket,
		S3Prefix: cfg.ArchiveS3Prefix,
		QualityCfg: quality.ReportConfig{
			ActiveWindowSec:  cfg.GapActiveWindowSec,
			ActiveMinTicks:   cfg.GapActiveMinTicks,
			StallWarnSec:     cfg.GapStallWarnSec,
			TradingSessions:  sessions,
			Holidays:         holidays,
			ReportRelDir:     "reports",
			TopN:             20,
			CollectorVersion: "hk-tick-collector",
		},
	}
}

// VacuumSource is implemented by database.Store; narrowed so this
// package does not need the rest of Store's surface.
type VacuumSource interface {
	ShardPath(tradingDay string) string
	VacuumInto(tradingDay, destPath string) error
	WALCheckpoint(tradingDay, mode string) error
}

// S3Uploader is implemented by *manager.Uploader; narrowed for testing.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Result is what ArchiveDay returns on success, mirroring
// archive_daily_db's ArchiveResult dataclass.
type Result struct {
	TradingDay       string
	SourceDB         string
	ArchiveFile      string
	ChecksumFile     string
	ManifestFile     string
	Verified         bool
	DeletedOriginal  bool
	UploadedToS3     bool
}

type manifestPayload struct {
	TradingDay        string         `json:"trading_day"`
	CreatedAtMs       int64          `json:"created_at_ms"`
	Host              string         `json:"host"`
	SourceDB          string         `json:"source_db"`
	ArchiveFile       string         `json:"archive_file"`
	ArchiveSizeBytes  int64          `json:"archive_size_bytes"`
	ChecksumSHA256    string         `json:"checksum_sha256"`
	Compression       string         `json:"compression"`
	VerifyEnabled     bool           `json:"verify_enabled"`
	VerifyOK          bool           `json:"verify_ok"`
	QualitySummary    qualitySummary `json:"quality_summary"`
	UploadedToS3      bool           `json:"uploaded_to_s3"`
}

type qualitySummary struct {
	TotalRows       int64   `json:"total_rows"`
	StartTsMs       *int64  `json:"start_ts_ms"`
	EndTsMs         *int64  `json:"end_ts_ms"`
	HardGapsTotal   int     `json:"hard_gaps_total"`
	HardGapsTotalSec float64 `json:"hard_gaps_total_sec"`
	QualityGrade    string  `json:"quality_grade"`
}

// Archiver owns the directory layout and (optional) S3 uploader for the
// daily archive job the supervisor's cron schedule triggers.
type Archiver struct {
	cfg      Config
	store    VacuumSource
	uploader S3Uploader
	log      zerolog.Logger
	hostname string
}

// New builds an Archiver. If cfg.S3Bucket is empty the archiver skips
// the upload step entirely, matching the optional-upload shape the rest
// of this codebase uses for every cloud integration.
func New(cfg Config, store VacuumSource, uploader S3Uploader, log zerolog.Logger) *Archiver {
	hostname, _ := os.Hostname()
	return &Archiver{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		log:      log.With().Str("component", "archiver").Logger(),
		hostname: hostname,
	}
}

// QualityConfig exposes the gap-detection tunables the archiver's own
// quality summary runs with, so a separate same-day report job (run
// well before the end-of-day archive) can reuse the exact same config.
func (a *Archiver) QualityConfig() quality.ReportConfig {
	return a.cfg.QualityCfg
}

// NewS3Uploader builds a manager.Uploader against the default AWS
// config chain (env vars, shared credentials file, IAM role), which
// also works against R2 and other S3-compatible endpoints when
// AWS_ENDPOINT_URL is set, matching how this codebase's other AWS SDK
// consumers are configured.
func NewS3Uploader(ctx context.Context) (S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return manager.NewUploader(client), nil
}

// ArchiveDay vacuums dataRoot's shard for tradingDay into a fresh
// snapshot, gzip-compresses it, checksums it, generates a quality
// report, writes a manifest, optionally uploads to S3, and (if
// deleteOriginal) runs the retention sweep, which removes verified shards
// older than the newest KeepDays; the day's own shard is removed only when
// it falls outside that window.
func (a *Archiver) ArchiveDay(ctx context.Context, dataRoot, tradingDay string, deleteOriginal bool) (Result, error) {
	sourceDB := a.store.ShardPath(tradingDay)
	if _, err := os.Stat(sourceDB); err != nil {
		return Result{}, fmt.Errorf("shard not found for %s: %w", tradingDay, err)
	}

	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create archive dir: %w", err)
	}
	manifestDir := filepath.Join(a.cfg.Dir, "manifest")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create manifest dir: %w", err)
	}

	archiveFile := filepath.Join(a.cfg.Dir, fmt.Sprintf("%s.sqlite3.gz", tradingDay))
	checksumFile := archiveFile + ".sha256"
	manifestFile := filepath.Join(manifestDir, tradingDay+".json")

	if err := a.store.WALCheckpoint(tradingDay, "TRUNCATE"); err != nil {
		a.log.Warn().Err(err).Str("trading_day", tradingDay).Msg("wal checkpoint before vacuum failed, continuing")
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("hk-archive-%s-*.sqlite3", tradingDay))
	if err != nil {
		return Result{}, fmt.Errorf("create temp backup file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.store.VacuumInto(tradingDay, tmpPath); err != nil {
		return Result{}, fmt.Errorf("vacuum into: %w", err)
	}

	if err := gzipFile(tmpPath, archiveFile); err != nil {
		return Result{}, fmt.Errorf("compress backup: %w", err)
	}

	checksum, err := sha256File(archiveFile)
	if err != nil {
		return Result{}, fmt.Errorf("checksum archive: %w", err)
	}
	checksumLine := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(archiveFile))
	if err := os.WriteFile(checksumFile, []byte(checksumLine), 0o644); err != nil {
		return Result{}, fmt.Errorf("write checksum file: %w", err)
	}

	verifyOK, verifyErr := verifyGzipSQLite(archiveFile)
	if verifyErr != nil {
		return Result{}, fmt.Errorf("verify archive: %w", verifyErr)
	}
	if !verifyOK {
		return Result{}, fmt.Errorf("archive verification failed for %s", tradingDay)
	}

	summary := a.buildQualitySummary(dataRoot, tradingDay, sourceDB)

	uploaded := false
	if a.uploader != nil && a.cfg.S3Bucket != "" {
		if err := a.uploadToS3(ctx, archiveFile, tradingDay); err != nil {
			a.log.Error().Err(err).Str("trading_day", tradingDay).Msg("s3 upload failed, archive kept locally")
		} else {
			uploaded = true
		}
	}

	archiveInfo, err := os.Stat(archiveFile)
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}

	manifest := manifestPayload{
		TradingDay:       tradingDay,
		CreatedAtMs:      time.Now().UnixMilli(),
		Host:             a.hostname,
		SourceDB:         sourceDB,
		ArchiveFile:      archiveFile,
		ArchiveSizeBytes: archiveInfo.Size(),
		ChecksumSHA256:   checksum,
		Compression:      "gzip",
		VerifyEnabled:    true,
		VerifyOK:         verifyOK,
		QualitySummary:   summary,
		UploadedToS3:     uploaded,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestFile, manifestBytes, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	deleted := false
	if deleteOriginal {
		a.cleanupRetiredShards(dataRoot)
		if _, statErr := os.Stat(sourceDB); statErr != nil {
			deleted = true
		}
	}

	a.log.Info().
		Str("trading_day", tradingDay).
		Str("archive_file", archiveFile).
		Bool("verified", verifyOK).
		Bool("uploaded_to_s3", uploaded).
		Bool("deleted_original", deleted).
		Msg("archived trading day")

	return Result{
		TradingDay:      tradingDay,
		SourceDB:        sourceDB,
		ArchiveFile:     archiveFile,
		ChecksumFile:    checksumFile,
		ManifestFile:    manifestFile,
		Verified:        verifyOK,
		DeletedOriginal: deleted,
		UploadedToS3:    uploaded,
	}, nil
}

func (a *Archiver) buildQualitySummary(dataRoot, tradingDay, dbPath string) qualitySummary {
	report, err := quality.GenerateReport(dataRoot, tradingDay, dbPath, a.cfg.QualityCfg)
	if err != nil {
		a.log.Warn().Err(err).Str("trading_day", tradingDay).Msg("quality report generation failed for archive manifest")
		return qualitySummary{QualityGrade: "n/a"}
	}

	summary := qualitySummary{QualityGrade: "n/a"}
	if volume, ok := report["volume"].(map[string]any); ok {
		if total, ok := volume["total_rows"].(int); ok {
			summary.TotalRows = int64(total)
		}
	}
	if coverage, ok := report["coverage"].(map[string]any); ok {
		if v, ok := coverage["start_ts_ms"].(*int64); ok {
			summary.StartTsMs = v
		}
		if v, ok := coverage["end_ts_ms"].(*int64); ok {
			summary.EndTsMs = v
		}
	}
	if gaps, ok := report["gaps"].(map[string]any); ok {
		if v, ok := gaps["hard_gaps_total"].(int); ok {
			summary.HardGapsTotal = v
		}
		if v, ok := gaps["hard_gaps_total_sec"].(float64); ok {
			summary.HardGapsTotalSec = v
		}
	}
	if conclusion, ok := report["conclusion"].(map[string]any); ok {
		if v, ok := conclusion["quality_grade"].(string); ok {
			summary.QualityGrade = v
		}
	}
	return summary
}

func (a *Archiver) uploadToS3(ctx context.Context, archiveFile, tradingDay string) error {
	f, err := os.Open(archiveFile)
	if err != nil {
		return err
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s.sqlite3.gz", strings.TrimSuffix(a.cfg.S3Prefix, "/"), tradingDay)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

// cleanupRetiredShards deletes the .sqlite3(/-wal/-shm) files for any
// trading day whose manifest shows a verified archive, keeping the most
// recent KeepDays shards regardless of verification state.
func (a *Archiver) cleanupRetiredShards(dataRoot string) {
	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		a.log.Warn().Err(err).Msg("read data root for retention sweep failed")
		return
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ticks_") || !strings.HasSuffix(name, ".sqlite3") {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, "ticks_"), ".sqlite3")
		days = append(days, day)
	}
	sort.Strings(days)

	keep := a.cfg.KeepDays
	if keep > 0 && len(days) > keep {
		days = days[:len(days)-keep]
	} else if keep <= 0 {
		// KeepDays <= 0 means no floor: everything verified is eligible.
	} else {
		return
	}

	for _, day := range days {
		if !a.isArchivedAndVerified(day) {
			continue
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			path := filepath.Join(dataRoot, fmt.Sprintf("ticks_%s.sqlite3%s", day, suffix))
			if _, statErr := os.Stat(path); statErr != nil {
				continue
			}
			if err := os.Remove(path); err != nil {
				a.log.Warn().Err(err).Str("path", path).Msg("failed to remove retired shard file")
			}
		}
	}
}

func (a *Archiver) isArchivedAndVerified(day string) bool {
	manifestFile := filepath.Join(a.cfg.Dir, "manifest", day+".json")
	archiveFile := filepath.Join(a.cfg.Dir, day+".sqlite3.gz")
	checksumFile := archiveFile + ".sha256"
	for _, p := range []string{manifestFile, archiveFile, checksumFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	data, err := os.ReadFile(manifestFile)
	if err != nil {
		return false
	}
	var payload manifestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	return payload.VerifyOK
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		return err
	}
	defer gw.Close()

	_, err = io.Copy(gw, src)
	return err
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// verifyGzipSQLite decompresses the archive to a temp file and checks
// the SQLite header magic bytes, a lighter check than opening the file
// through database/sql since this package has no reason to depend on a
// SQLite driver just to verify a backup's integrity.
func verifyGzipSQLite(archiveFile string) (bool, error) {
	f, err := os.Open(archiveFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return false, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gr.Close()

	header := make([]byte, 16)
	n, err := io.ReadFull(gr, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false, fmt.Errorf("read sqlite header: %w", err)
	}
	if n < 16 {
		return false, nil
	}
	return string(header) == "SQLite format 3\x00", nil
}

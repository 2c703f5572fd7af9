package inference

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/driftline/spotwatch/internal/codec"
	"github.com/driftline/spotwatch/internal/engine"
	"github.com/driftline/spotwatch/internal/utils"
)

// KindLogistic is the only artifact kind this build can load.
const KindLogistic = "logistic"

const (
	artifactExt = ".model"
	digestExt   = ".b3"
)

// ErrArtifactDigest is returned when an artifact does not match its sidecar digest.
var ErrArtifactDigest = &utils.AppError{Code: utils.CodeFailedPrecondition, Op: "inference.ArtifactStore", Msg: "artifact digest mismatch"}

// Manifest is the on-disk description of a model. It carries weights only.
type Manifest struct {
	ModelVersion   string    `cbor:"model_version"`
	FeatureVersion string    `cbor:"feature_version"`
	Kind           string    `cbor:"kind"`
	Features       []string  `cbor:"features"`
	Weights        []float64 `cbor:"weights"`
	Bias           float64   `cbor:"bias"`
	CreatedAt      time.Time `cbor:"created_at"`
}

// DefaultManifest is the built-in model used when no artifact directory is configured.
func DefaultManifest() Manifest {
	return Manifest{
		ModelVersion:   "builtin-logistic-1",
		FeatureVersion: engine.FeatureVersion,
		Kind:           KindLogistic,
		Features:       append([]string(nil), engine.FeatureNames...),
		Weights:        []float64{1.5, -1.0, 1.0, 2.0, 0.25, 1.0, 2.5, 1.0},
		Bias:           -4.0,
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("inference: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("inference: zstd decoder initialization failed: " + err.Error())
	}
}

// ArtifactStore reads and writes versioned model artifacts in a directory.
// Each version is <version>.model (zstd-compressed CBOR manifest) plus
// <version>.model.b3 holding the hex BLAKE3 digest of the compressed bytes.
type ArtifactStore struct {
	dir    string
	logger *slog.Logger
}

// NewArtifactStore opens dir, creating it if needed.
func NewArtifactStore(dir string, logger *slog.Logger) (*ArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactStore{dir: dir, logger: logger}, nil
}

// Save writes m and its digest sidecar.
func (s *ArtifactStore) Save(m Manifest) error {
	if _, err := NewLogisticAdapter(m); err != nil {
		return err
	}
	if strings.ContainsAny(m.ModelVersion, `/\`) {
		return fmt.Errorf("model version %q is not a valid file name", m.ModelVersion)
	}
	raw, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)
	sum := blake3.Sum256(compressed)

	path := s.path(m.ModelVersion)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.WriteFile(path+digestExt, []byte(hex.EncodeToString(sum[:])+"\n"), 0o644); err != nil {
		return fmt.Errorf("write artifact digest: %w", err)
	}
	return nil
}

// Load reads and verifies one artifact.
func (s *ArtifactStore) Load(version string) (Manifest, error) {
	path := s.path(version)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, utils.NewAppError(utils.CodeNotFound, "inference.Load", "artifact "+version+" not found", ErrUnknownModel)
		}
		return Manifest{}, err
	}
	want, err := os.ReadFile(path + digestExt)
	if err != nil {
		return Manifest{}, utils.NewAppError(utils.CodeFailedPrecondition, "inference.Load", "artifact "+version+" has no digest", err)
	}
	sum := blake3.Sum256(compressed)
	if strings.TrimSpace(string(want)) != hex.EncodeToString(sum[:]) {
		return Manifest{}, utils.NewAppError(utils.CodeFailedPrecondition, "inference.Load", "artifact "+version, ErrArtifactDigest)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("decompress artifact %s: %w", version, err)
	}
	var m Manifest
	if err := codec.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	if m.ModelVersion != version {
		return Manifest{}, fmt.Errorf("artifact %s declares model version %q", version, m.ModelVersion)
	}
	return m, nil
}

// List returns the versions present in the directory.
func (s *ArtifactStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), artifactExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), artifactExt))
	}
	sort.Strings(out)
	return out, nil
}

// LoadAll registers every loadable artifact not already known to reg.
// Artifacts that fail verification are skipped and logged.
func (s *ArtifactStore) LoadAll(reg *Registry) (int, error) {
	versions, err := s.List()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool)
	for _, v := range reg.Versions() {
		known[v] = true
	}
	loaded := 0
	for _, v := range versions {
		if known[v] {
			continue
		}
		m, err := s.Load(v)
		if err == nil {
			var a *LogisticAdapter
			if a, err = NewLogisticAdapter(m); err == nil {
				err = reg.Register(a)
			}
		}
		if err != nil {
			s.logger.Error("model artifact skipped", slog.String("model_version", v), slog.Any("error", err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (s *ArtifactStore) path(version string) string {
	return filepath.Join(s.dir, version+artifactExt)
}

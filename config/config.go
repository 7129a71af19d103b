package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port  int  `koanf:"port"`
	Debug bool `koanf:"debug"`
}

// AssetsConfig describes where the classifier finds its inputs and writes its outputs.
// Relative paths are resolved against Root.
type AssetsConfig struct {
	Root          string `koanf:"root"`
	Manifest      string `koanf:"manifest"`
	TrainImages   string `koanf:"trainimages"`
	ExtractorPath string `koanf:"extractorpath"`
	PredictImages string `koanf:"predictimages"`
	Output        string `koanf:"output"`
	ArtifactName  string `koanf:"artifactname"`
}

// ImageConfig holds the preprocessing the pretrained network was trained with
type ImageConfig struct {
	Height        int     `koanf:"height"`
	Width         int     `koanf:"width"`
	Mean          float32 `koanf:"mean"`
	Scale         float32 `koanf:"scale"`
	ChannelsLast  bool    `koanf:"channelslast"`
	Interpolation string  `koanf:"interpolation"`
	Crop          string  `koanf:"crop"`
}

// ExtractorConfig related to the ONNX Runtime feature extractor
type ExtractorConfig struct {
	SharedLibrary string `koanf:"sharedlibrary"`
	InputName     string `koanf:"inputname"`
	OutputName    string `koanf:"outputname"`
	Dim           int    `koanf:"dim"`
	BatchSize     int    `koanf:"batchsize"`
}

// TrainerConfig related to classifier fitting
type TrainerConfig struct {
	MaxIterations int           `koanf:"maxiterations"`
	Tolerance     float64       `koanf:"tolerance"`
	L2            float64       `koanf:"l2"`
	Memory        int           `koanf:"memory"`
	Workers       int           `koanf:"workers"`
	Timeout       time.Duration `koanf:"timeout"`
}

// ArtifactConfig selects the artifact store backend
type ArtifactConfig struct {
	Backend string `koanf:"backend"`
	Redis   struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
		Key      string `koanf:"key"`
	} `koanf:"redis"`
}

// AppConfig defines
type AppConfig struct {
	Server    ServerConfig    `koanf:"server"`
	Assets    AssetsConfig    `koanf:"assets"`
	Image     ImageConfig     `koanf:"image"`
	Extractor ExtractorConfig `koanf:"extractor"`
	Trainer   TrainerConfig   `koanf:"trainer"`
	Artifact  ArtifactConfig  `koanf:"artifact"`
}

var defaults = map[string]any{
	"server.port":           8080,
	"assets.root":           "assets",
	"assets.manifest":       "inputs-train/data/tags.tsv",
	"assets.trainimages":    "inputs-train/data",
	"assets.extractorpath":  "inputs-train/inception/inception.onnx",
	"assets.predictimages":  "inputs-predict-single/data",
	"assets.output":         "outputs",
	"assets.artifactname":   "imageClassifier.json",
	"image.height":          224,
	"image.width":           224,
	"image.mean":            117,
	"image.scale":           1,
	"image.channelslast":    true,
	"image.interpolation":   "bilinear",
	"image.crop":            "center",
	"extractor.inputname":   "input",
	"extractor.outputname":  "softmax2_pre_activation",
	"extractor.dim":         1008,
	"extractor.batchsize":   16,
	"trainer.maxiterations": 100,
	"trainer.tolerance":     1e-7,
	"trainer.l2":            1e-4,
	"trainer.memory":        20,
	"trainer.workers":       4,
	"trainer.timeout":       "10m",
	"artifact.backend":      "file",
	"artifact.redis.addr":   "localhost:6379",
	"artifact.redis.key":    "classifyimage:artifact",
}

// Load builds the configuration from defaults, an optional YAML file and
// CFG_ prefixed environment variables, in that order of precedence.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", filePath)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	switch {
	case cfg.Image.Height <= 0 || cfg.Image.Width <= 0:
		return errors.Errorf("image size must be positive, got %dx%d", cfg.Image.Width, cfg.Image.Height)
	case cfg.Image.Scale == 0:
		return errors.New("image scale must be non-zero")
	case cfg.Image.Crop != "center" && cfg.Image.Crop != "none":
		return errors.Errorf("unknown image crop %q, want center or none", cfg.Image.Crop)
	case cfg.Extractor.Dim <= 0:
		return errors.Errorf("extractor dim must be positive, got %d", cfg.Extractor.Dim)
	case cfg.Trainer.MaxIterations <= 0:
		return errors.Errorf("trainer max iterations must be positive, got %d", cfg.Trainer.MaxIterations)
	case cfg.Trainer.L2 < 0:
		return errors.Errorf("trainer l2 must not be negative, got %g", cfg.Trainer.L2)
	}
	switch cfg.Artifact.Backend {
	case "file", "redis":
	default:
		return errors.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
	return nil
}

// Path resolves p against the assets root unless it is already absolute.
func (a AssetsConfig) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Root, p)
}

// ManifestPath is the resolved training manifest location
func (a AssetsConfig) ManifestPath() string { return a.Path(a.Manifest) }

// TrainImagesDir is the resolved training image root
func (a AssetsConfig) TrainImagesDir() string { return a.Path(a.TrainImages) }

// PredictImagesDir is the resolved single-query image directory
func (a AssetsConfig) PredictImagesDir() string { return a.Path(a.PredictImages) }

// ArtifactPath is the resolved location of the persisted pipeline
func (a AssetsConfig) ArtifactPath() string {
	return filepath.Join(a.Path(a.Output), a.ArtifactName)
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}

// Package config loads the service configuration from YAML, an optional .env
// file and a handful of environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	iface "GroundingDet/interface"
	"GroundingDet/postprocess"
	"GroundingDet/remote"
	"GroundingDet/scene"
)

const DefaultPath = "config.yaml"

type Config struct {
	HTTPPort           int     `yaml:"httpPort" validate:"gt=0,lte=65535"`
	MonitorPort        int     `yaml:"monitorPort" validate:"gte=0,lte=65535"`
	LogMode            string  `yaml:"logMode" validate:"omitempty,oneof=production development"`
	SessionIdleSeconds float64 `yaml:"sessionIdleSeconds" validate:"gt=0"`
	MaxImageSide       int     `yaml:"maxImageSide" validate:"gte=0"`

	Remote    Remote    `yaml:"remote"`
	Detection Detection `yaml:"detection"`
	Scene     Scene     `yaml:"scene"`

	// read from the environment variable named by Remote.APIKeyEnv
	APIKey string `yaml:"-"`
}

type Remote struct {
	AssetURL         string  `yaml:"assetURL" validate:"required,url"`
	InvokeURL        string  `yaml:"invokeURL" validate:"required,url"`
	PollBaseURL      string  `yaml:"pollBaseURL" validate:"required,url"`
	Model            string  `yaml:"model" validate:"required"`
	AssetDescription string  `yaml:"assetDescription" validate:"required"`
	TimeoutSeconds   float64 `yaml:"timeoutSeconds" validate:"gt=0"`
	APIKeyEnv        string  `yaml:"apiKeyEnv" validate:"required"`
}

type Detection struct {
	Prompt                 string   `yaml:"prompt"`
	Threshold              float64  `yaml:"threshold" validate:"gte=0,lte=1"`
	ServerThreshold        *float64 `yaml:"serverThreshold" validate:"omitempty,gte=0,lte=1"`
	PollingMaxRetries      int      `yaml:"pollingMaxRetries" validate:"min=1"`
	PollingIntervalSeconds float64  `yaml:"pollingIntervalSeconds" validate:"gt=0"`
	AnchorMode             string   `yaml:"anchorMode" validate:"oneof=BoundingBox2D SpatialLabel3D Both"`
	ResultSuffix           string   `yaml:"resultSuffix" validate:"required"`
	OverlayWidth           float64  `yaml:"overlayWidth" validate:"gte=0"`
	OverlayHeight          float64  `yaml:"overlayHeight" validate:"gte=0"`
}

// Scene describes the reference camera and the plane 3D labels land on.
type Scene struct {
	FovY        float64    `yaml:"fovY" validate:"gt=0,lt=180"`
	Position    [3]float64 `yaml:"position"`
	Forward     [3]float64 `yaml:"forward"`
	Up          [3]float64 `yaml:"up"`
	PlanePoint  [3]float64 `yaml:"planePoint"`
	PlaneNormal [3]float64 `yaml:"planeNormal"`
}

func Default() Config {
	return Config{
		HTTPPort:           8080,
		MonitorPort:        9090,
		LogMode:            "production",
		SessionIdleSeconds: 300,
		MaxImageSide:       1920,
		Remote: Remote{
			AssetURL:         remote.DefaultAssetURL,
			InvokeURL:        remote.DefaultInvokeURL,
			PollBaseURL:      remote.DefaultPollBaseURL,
			Model:            remote.DefaultModel,
			AssetDescription: remote.DefaultDescription,
			TimeoutSeconds:   remote.DefaultTimeout.Seconds(),
			APIKeyEnv:        "NGC_API_KEY",
		},
		Detection: Detection{
			Threshold:              0.3,
			PollingMaxRetries:      10,
			PollingIntervalSeconds: 5,
			AnchorMode:             iface.BoundingBox2D.String(),
			ResultSuffix:           postprocess.DefaultResultSuffix,
			OverlayWidth:           640,
			OverlayHeight:          480,
		},
		Scene: Scene{
			FovY:        60,
			Position:    [3]float64{0, 1.5, 0},
			Forward:     [3]float64{0, -0.3, -1},
			Up:          [3]float64{0, 1, 0},
			PlanePoint:  [3]float64{0, 0, 0},
			PlaneNormal: [3]float64{0, 1, 0},
		},
	}
}

// Load reads path over the defaults, applies the environment and validates the
// result. A missing .env file is not an error; a missing config file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvAsInt("DETECT_HTTP_PORT", c.HTTPPort)
	c.Detection.Threshold = getEnvAsFloat("DETECT_THRESHOLD", c.Detection.Threshold)
	c.APIKey = os.Getenv(c.Remote.APIKeyEnv)
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

func (c *Config) RemoteOptions() remote.Options {
	return remote.Options{
		APIKey:           c.APIKey,
		AssetURL:         c.Remote.AssetURL,
		InvokeURL:        c.Remote.InvokeURL,
		PollBaseURL:      c.Remote.PollBaseURL,
		Model:            c.Remote.Model,
		AssetDescription: c.Remote.AssetDescription,
		Timeout:          time.Duration(c.Remote.TimeoutSeconds * float64(time.Second)),
	}
}

// ServerThreshold is the threshold sent with each invocation. It follows the
// local threshold unless set on its own.
func (c *Config) ServerThreshold() float64 {
	if c.Detection.ServerThreshold != nil {
		return *c.Detection.ServerThreshold
	}
	return c.Detection.Threshold
}

func (c *Config) AnchorMode() iface.AnchorMode {
	m, ok := iface.ParseAnchorMode(c.Detection.AnchorMode)
	if !ok {
		return iface.BoundingBox2D
	}
	return m
}

func (c *Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleSeconds * float64(time.Second))
}

// Projection builds the projection settings for an image of the given size.
// The camera screen matches the image so box centers map one to one.
func (c *Config) Projection(source iface.Size) postprocess.Projection {
	p := postprocess.Projection{
		Mode:    c.AnchorMode(),
		Overlay: iface.Size{Width: c.Detection.OverlayWidth, Height: c.Detection.OverlayHeight},
	}
	if p.Mode.Wants3D() {
		p.Camera = scene.PinholeCamera{
			Width:    source.Width,
			Height:   source.Height,
			FovY:     c.Scene.FovY,
			Position: vec(c.Scene.Position),
			Forward:  vec(c.Scene.Forward),
			Up:       vec(c.Scene.Up),
		}
		p.Surface = scene.Plane{Point: vec(c.Scene.PlanePoint), Normal: vec(c.Scene.PlaneNormal)}
	}
	return p
}

func vec(v [3]float64) iface.Vector3 {
	return iface.Vector3{X: v[0], Y: v[1], Z: v[2]}
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

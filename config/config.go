package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort        int           `yaml:"HTTPPort"`
	RPCPort         int           `yaml:"RPCPort"`
	MetricsPort     int           `yaml:"MetricsPort"`
	UseRegServer    bool          `yaml:"UseRegServer"`
	RegServerHost   string        `yaml:"RegServerHost"`
	RegServerPort   int           `yaml:"RegServerPort"`
	ReplyWait       time.Duration `yaml:"ReplyWait"`
	ShutdownTimeout time.Duration `yaml:"ShutdownTimeout"`

	Storage        StorageConfig    `yaml:"storage"`
	Camera         CameraConfig     `yaml:"camera"`
	ObjectDetector DetectorConfig   `yaml:"objectDetector"`
	FaceRecognizer RecognizerConfig `yaml:"faceRecognizer"`
}

type StorageConfig struct {
	ImageDir string `yaml:"imageDir"`
	FaceDir  string `yaml:"faceDir"`
	// number of uploaded frames kept on disk
	Retain int `yaml:"retain"`
}

type CameraConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// ProcessConfig describes how to start (and if needed build) an external binary.
type ProcessConfig struct {
	Dir    string   `yaml:"dir"`
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
	Build  []string `yaml:"build"`
}

type DetectorConfig struct {
	ProcessConfig  `yaml:",inline"`
	FeedPipe       string        `yaml:"feedPipe"`
	DetectionsPipe string        `yaml:"detectionsPipe"`
	PipeTimeout    time.Duration `yaml:"pipeTimeout"`
}

type RecognizerConfig struct {
	ProcessConfig `yaml:",inline"`
	Cascade       string  `yaml:"cascade"`
	ScaleFactor   float64 `yaml:"scaleFactor"`
	MinNeighbors  int     `yaml:"minNeighbors"`
	EnrollPrefix  string  `yaml:"enrollPrefix"`
}

func Default() *Config {
	return &Config{
		HTTPPort:        8000,
		RPCPort:         50051,
		MetricsPort:     9100,
		RegServerHost:   "127.0.0.1",
		RegServerPort:   8080,
		ReplyWait:       500 * time.Millisecond,
		ShutdownTimeout: 3 * time.Second,
		Storage: StorageConfig{
			ImageDir: "imgs",
			FaceDir:  "imgs/facesToRecognize",
			Retain:   8,
		},
		Camera: CameraConfig{Width: 1280, Height: 720},
		ObjectDetector: DetectorConfig{
			ProcessConfig: ProcessConfig{
				Dir:    "darknet",
				Binary: "./darknet",
				Args:   []string{"detector", "test", "cfg/coco.data", "cfg/yolo.cfg", "yolo.weights"},
				Build:  []string{"make"},
			},
			FeedPipe:       "/tmp/yolofeed",
			DetectionsPipe: "/tmp/detections",
			PipeTimeout:    60 * time.Second,
		},
		FaceRecognizer: RecognizerConfig{
			ProcessConfig: ProcessConfig{
				Dir:    "faceRecognizer",
				Binary: "./faceRecognizer",
				Build:  []string{"make"},
			},
			Cascade:      "models/haarcascade_frontalface_default.xml",
			ScaleFactor:  1.3,
			MinNeighbors: 5,
			EnrollPrefix: "person-",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	for name, port := range map[string]int{"HTTPPort": c.HTTPPort, "RPCPort": c.RPCPort, "MetricsPort": c.MetricsPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}
	if c.UseRegServer && (c.RegServerHost == "" || c.RegServerPort <= 0) {
		return fmt.Errorf("UseRegServer needs RegServerHost and RegServerPort")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution %vx%v", c.Camera.Width, c.Camera.Height)
	}
	if c.Storage.Retain < 1 {
		return fmt.Errorf("storage.retain must be at least 1, got %d", c.Storage.Retain)
	}
	// both detectors read whitespace separated paths from stdin
	for name, dir := range map[string]string{"storage.imageDir": c.Storage.ImageDir, "storage.faceDir": c.Storage.FaceDir} {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if strings.ContainsFunc(abs, unicode.IsSpace) {
			return fmt.Errorf("%s %q must not contain whitespace", name, abs)
		}
	}
	if c.ObjectDetector.Binary == "" || c.FaceRecognizer.Binary == "" {
		return fmt.Errorf("objectDetector.binary and faceRecognizer.binary are required")
	}
	if c.FaceRecognizer.ScaleFactor <= 1 {
		return fmt.Errorf("faceRecognizer.scaleFactor must be greater than 1, got %v", c.FaceRecognizer.ScaleFactor)
	}
	return nil
}

package config

// ControllerConfig tunes the autonomous loop controller.
type ControllerConfig struct {
	// BriefingDir is watched for briefing packets dropped by outside
	// processes. Empty disables the watcher.
	BriefingDir string `yaml:"briefing_dir"`

	// Schedule is an optional cron expression for scheduled runs. When
	// empty the controller wakes on the default interval instead.
	Schedule string `yaml:"schedule"`
}

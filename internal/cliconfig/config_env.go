package cliconfig

import "os"

// ApplyEnvConfig applies IMGFACTORY_* environment variables to cfg,
// skipping fields whose flag was explicitly set.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString(FlagMode, os.Getenv("IMGFACTORY_REBUILD_MODE"), &cfg.RebuildMode)
	s.setString(FlagBackupCompression, os.Getenv("IMGFACTORY_BACKUP_COMPRESSION"), &cfg.BackupCompression)
	s.setString(FlagOverlayDir, os.Getenv("IMGFACTORY_OVERLAY_DIR"), &cfg.OverlayDir)
	s.setString(FlagLogLevel, os.Getenv("IMGFACTORY_LOG_LEVEL"), &cfg.LogLevel)
	s.setBoolFromString(FlagBackup, os.Getenv("IMGFACTORY_BACKUP"), &cfg.Backup)

	if err := s.setIntFromString(FlagConcurrency, os.Getenv("IMGFACTORY_MAX_CONCURRENCY"), &cfg.MaxConcurrency); err != nil {
		return err
	}
	if err := s.setIntFromString(FlagHistoryLimit, os.Getenv("IMGFACTORY_HISTORY_LIMIT"), &cfg.HistoryLimit); err != nil {
		return err
	}
	return nil
}

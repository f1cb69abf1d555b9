package main

import (
	"strings"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mini-ipc/client"
	"mini-ipc/config"
)

type commandContext struct {
	configFlag *string

	config *config.Config
	caller *client.Caller
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// prepare loads the configuration and installs the logger into the command context.
func (c *commandContext) prepare(cmd *cobra.Command) error {
	var path string
	if c.configFlag != nil {
		path = strings.TrimSpace(*c.configFlag)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	c.config = cfg
	c.caller = client.NewCaller(cfg.ClientConfig())
	cmd.SetContext(logger.WithLogger(cmd.Context(), log))
	return nil
}

func newLogger(cfg config.Logging) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.DisableStacktrace = true
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "logging.level %q", cfg.Level)
	}
	zapCfg.Level = level

	log, err := zapCfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return log, nil
}

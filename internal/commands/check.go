package commands

import (
	"flag"
	"fmt"

	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/log"
	"github.com/feifeigood/swiftlink/internal/proxy"
)

func CreateCheckConfigCommand() *CheckConfigCommand {
	return &CheckConfigCommand{
		fs: flag.NewFlagSet("check-config", flag.ExitOnError),
	}
}

// CheckConfigCommand loads and validates the configuration, then
// prints the effective config back in TOML form.
type CheckConfigCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
	cfg *config.Config
}

func (c *CheckConfigCommand) Name() string {
	return c.fs.Name()
}

func (c *CheckConfigCommand) Init(args []string, ctx *AppContext) error {
	c.ctx = ctx

	if err := c.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfig(ctx.ConfigPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	return nil
}

func (c *CheckConfigCommand) Run() error {
	// Proxy URLs pass structural validation during load; make sure
	// they can actually be turned into dialers too.
	for name, rawURL := range c.cfg.Proxies {
		if _, err := proxy.FromURL(rawURL); err != nil {
			return fmt.Errorf("proxy %q is unusable: %w", name, err)
		}
	}

	serialized, err := c.cfg.SerializeConfig()
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}

	log.Infof("Configuration %s is valid", c.ctx.ConfigPath)
	fmt.Println(serialized.String())
	return nil
}

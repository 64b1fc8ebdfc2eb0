package keyValStore

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

func (config StoreConfig) checkConfig() error {
	if len(config.Paths) == 0 {
		return fmt.Errorf("no path provided in config")
	}

	if err := os.MkdirAll(config.Paths[0], 0o700); err != nil {
		return fmt.Errorf("error creating data dir %s: %w", config.Paths[0], err)
	}

	if config.MinimumFreeGB == 0 {
		return nil
	}

	usage, err := disk.Usage(config.Paths[0])
	if err != nil {
		return fmt.Errorf("error reading disk usage for %s: %w", config.Paths[0], err)
	}

	freeGB := float64(usage.Free) / 1e9
	if freeGB < float64(config.MinimumFreeGB) {
		return fmt.Errorf("not enough free space on %s: %.2f GB free, %d GB required",
			config.Paths[0], freeGB, config.MinimumFreeGB)
	}

	return nil
}

// displayDiskUsage logs disk usage for the configured paths.
func displayDiskUsage(paths []string) error {
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error retrieving disk usage stats: %v", err)
			return err
		}

		log.WithFields(logrus.Fields{
			"Path":       path,
			"Total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"Used (GB)":  fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"Free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		}).Info("Disk Usage")
	}

	return nil
}

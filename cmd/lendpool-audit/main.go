package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"stablelend/audit"
	"stablelend/config"
	"stablelend/storage"
)

// auditReport is the machine-readable posture summary for one deployment:
// the risk parameters in effect plus the verified state of the journal.
type auditReport struct {
	Pool struct {
		StableSymbol            string `json:"stableSymbol"`
		CollateralSymbol        string `json:"collateralSymbol"`
		MaxLTVBps               uint64 `json:"maxLtvBps"`
		LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
		LiquidatorBonusBps      uint64 `json:"liquidatorBonusBps"`
		AprBps                  uint64 `json:"aprBps"`
		MaxQuoteAgeSeconds      uint64 `json:"maxQuoteAgeSeconds"`
	} `json:"pool"`
	Auth struct {
		Enabled   bool `json:"enabled"`
		SecretSet bool `json:"secretSet"`
	} `json:"auth"`
	RateLimit struct {
		RequestsPerMinute int `json:"requestsPerMinute"`
		Burst             int `json:"burst"`
	} `json:"rateLimit"`
	Journal struct {
		Path         string `json:"path,omitempty"`
		Records      uint64 `json:"records"`
		NextSequence uint64 `json:"nextSequence"`
		Verified     bool   `json:"verified"`
	} `json:"journal"`
}

func main() {
	configPath := flag.String("config", "./config.toml", "Path to lendpoold configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	report := buildReport(cfg)

	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		report.Journal.Path = path
		if err := verifyJournal(path, &report); err != nil {
			fmt.Fprintf(os.Stderr, "journal verification failed: %v\n", err)
			os.Exit(1)
		}
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

func buildReport(cfg *config.Config) auditReport {
	var report auditReport
	report.Pool.StableSymbol = cfg.Pool.StableSymbol
	report.Pool.CollateralSymbol = cfg.Pool.CollateralSymbol
	report.Pool.MaxLTVBps = cfg.Pool.MaxLTVBps
	report.Pool.LiquidationThresholdBps = cfg.Pool.LiquidationThresholdBps
	report.Pool.LiquidatorBonusBps = cfg.Pool.LiquidatorBonusBps
	report.Pool.AprBps = cfg.Pool.AprBps
	report.Pool.MaxQuoteAgeSeconds = cfg.Pool.MaxQuoteAgeSeconds
	report.Auth.Enabled = cfg.Auth.Enabled
	report.Auth.SecretSet = strings.TrimSpace(cfg.Auth.HMACSecret) != ""
	report.RateLimit.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
	report.RateLimit.Burst = cfg.RateLimit.Burst
	return report
}

// verifyJournal walks the full journal, checking checksums and sequence
// continuity, and folds the result into the report.
func verifyJournal(path string, report *auditReport) error {
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}
	defer func() { _ = db.Close() }()

	journal, err := audit.New(db, nil)
	if err != nil {
		return err
	}
	records, err := journal.Verify()
	if err != nil {
		return err
	}
	report.Journal.Records = records
	report.Journal.NextSequence = journal.NextSequence()
	report.Journal.Verified = true
	return nil
}

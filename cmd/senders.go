package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-identities/config"
	"github.com/dhcgn/mail-identities/filter"
	"github.com/dhcgn/mail-identities/model"
)

var (
	aliasesPath string
	reportDir   string
	topN        int
	checkBook   bool
)

var sendersCmd = &cobra.Command{
	Use:   "senders [corpus root]",
	Short: "Count messages per sender and list the display names seen for each",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd, args)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if checkBook && aliasesPath == "" {
			return fmt.Errorf("--check requires --aliases")
		}
		if checkBook && !cfg.FromIMAP() {
			cfg.SentOnly = true
		}

		var known map[string]string
		if aliasesPath != "" {
			known, err = loadAddressBook(aliasesPath)
			if err != nil {
				return err
			}
		}

		tallies, err := countSenders(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		if checkBook {
			return writeCoverage(cmd.OutOrStdout(), tallies, known)
		}

		tallies = unknownSenders(tallies, known)
		if err := printSenders(cmd.OutOrStdout(), tallies, topN); err != nil {
			return err
		}

		if reportDir != "" {
			if err := saveCSVReport(tallies, reportDir); err != nil {
				return fmt.Errorf("error saving CSV report: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Report saved to directory: %s\n", reportDir)
		}
		return nil
	},
}

func init() {
	sendersCmd.Flags().StringVarP(&aliasesPath, "aliases", "a", "", `Address book JSON ({"Name": ["address", ...]}); listed addresses are left out`)
	sendersCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report")
	sendersCmd.Flags().BoolVar(&checkBook, "check", false, "Compare sent-folder senders against the address book instead of counting")
	sendersCmd.Flags().IntVarP(&topN, "top", "t", 0, "Only print the N most frequent senders (0 prints all)")
	rootCmd.AddCommand(sendersCmd)
}

type senderTally struct {
	Sender  string
	Count   int
	Aliases []string
}

func countSenders(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]senderTally, error) {
	policy, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}
	source, err := newSource(cfg, policy, logger)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Envelope, 32)
	done := make(chan error, 1)
	go func() {
		done <- source.Stream(ctx, out)
		close(out)
	}()

	counts := make(map[string]int)
	aliases := make(map[string]map[string]struct{})
	for env := range out {
		if env.Err != nil {
			logger.Warn("skipping unreadable input", "source", env.Source, "err", env.Err)
		}
		for _, obs := range env.Observations {
			if !obs.Primary.Present {
				continue
			}
			sender := obs.Primary.Value
			counts[sender]++
			if obs.Secondary.Present {
				if aliases[sender] == nil {
					aliases[sender] = make(map[string]struct{})
				}
				aliases[sender][obs.Secondary.Value] = struct{}{}
			}
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}

	tallies := make([]senderTally, 0, len(counts))
	for sender, count := range counts {
		names := make([]string, 0, len(aliases[sender]))
		for name := range aliases[sender] {
			names = append(names, name)
		}
		sort.Strings(names)
		tallies = append(tallies, senderTally{Sender: sender, Count: count, Aliases: names})
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Count != tallies[j].Count {
			return tallies[i].Count > tallies[j].Count
		}
		return tallies[i].Sender < tallies[j].Sender
	})
	return tallies, nil
}

// loadAddressBook inverts a name -> addresses JSON object into address -> name.
func loadAddressBook(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read address book: %w", err)
	}
	var byName map[string][]string
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("parse address book %s: %w", path, err)
	}
	book := make(map[string]string)
	for name, addresses := range byName {
		for _, addr := range addresses {
			book[addr] = name
		}
	}
	return book, nil
}

func unknownSenders(tallies []senderTally, known map[string]string) []senderTally {
	if len(known) == 0 {
		return tallies
	}
	kept := tallies[:0]
	for _, t := range tallies {
		if _, ok := known[t.Sender]; ok {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// writeCoverage lists address book entries that never sent a message,
// followed by senders the book does not know, most frequent first.
func writeCoverage(w io.Writer, tallies []senderTally, known map[string]string) error {
	seen := make(map[string]struct{}, len(tallies))
	for _, t := range tallies {
		seen[t.Sender] = struct{}{}
	}

	unused := make([]string, 0)
	for addr := range known {
		if _, ok := seen[addr]; !ok {
			unused = append(unused, addr)
		}
	}
	sort.Strings(unused)

	for _, addr := range unused {
		if _, err := fmt.Fprintf(w, "Error for key %s\n", addr); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "Missing e-mails report"); err != nil {
		return err
	}
	for _, t := range unknownSenders(tallies, known) {
		if _, err := fmt.Fprintf(w, "%s: %d.\n", t.Sender, t.Count); err != nil {
			return err
		}
	}
	return nil
}

func printSenders(w io.Writer, tallies []senderTally, limit int) error {
	for i, t := range tallies {
		if limit > 0 && i >= limit {
			break
		}
		var err error
		if len(t.Aliases) > 0 {
			_, err = fmt.Fprintf(w, "%s: %d. Aliases: %s\n", t.Sender, t.Count, strings.Join(t.Aliases, ","))
		} else {
			_, err = fmt.Fprintf(w, "%s: %d.\n", t.Sender, t.Count)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func saveCSVReport(tallies []senderTally, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(filepath.Join(dir, "report_senders.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Sender", "Count", "Aliases"}); err != nil {
		return err
	}
	for _, t := range tallies {
		record := []string{t.Sender, strconv.Itoa(t.Count), strings.Join(t.Aliases, ";")}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

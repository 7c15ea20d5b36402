package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flywheel/internal/types"
)

var (
	listType  string
	listLimit int

	searchType    string
	searchLimit   int
	searchMinConf float64
)

// patternsCmd groups pattern store inspection commands
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the pattern store",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns, most recently seen first",
	RunE:  listPatterns,
}

var patternsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search patterns",
	Long: `Searches the pattern store. With an embedding engine configured the
search is semantic; without one it falls back to keyword matching over
names and content.`,
	Args: cobra.MinimumNArgs(1),
	RunE: searchPatterns,
}

var patternsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pattern store totals",
	RunE:  patternStats,
}

func init() {
	patternsListCmd.Flags().StringVar(&listType, "type", "", "Filter by pattern type (failure, opportunity, user_intent)")
	patternsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum patterns to show")

	patternsSearchCmd.Flags().StringVar(&searchType, "type", "", "Filter by pattern type (failure, opportunity, user_intent)")
	patternsSearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results")
	patternsSearchCmd.Flags().Float64Var(&searchMinConf, "min-confidence", 0, "Minimum confidence filter")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsSearchCmd)
	patternsCmd.AddCommand(patternsStatsCmd)
}

func parsePatternType(s string) (types.PatternType, error) {
	switch s {
	case "":
		return "", nil
	case string(types.PatternFailure), string(types.PatternOpportunity), string(types.PatternUserIntent):
		return types.PatternType(s), nil
	default:
		return "", fmt.Errorf("unknown pattern type %q (valid: failure, opportunity, user_intent)", s)
	}
}

func listPatterns(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	filter, err := parsePatternType(listType)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	patterns, err := st.List(ctx, filter, listLimit)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("No patterns stored yet.")
		return nil
	}

	for _, p := range patterns {
		fmt.Printf("%-12s %-28s conf=%.2f evidence=%-3d success=%3.0f%% last=%s\n",
			p.Type, p.Name, p.Confidence, p.EvidenceCount,
			p.SuccessRate()*100, p.LastSeen.Format("2006-01-02 15:04"))
	}
	return nil
}

func searchPatterns(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	filter, err := parsePatternType(searchType)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	query := strings.Join(args, " ")
	results, err := st.SearchPatterns(ctx, query, filter, searchMinConf, searchLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No patterns match %q.\n", query)
		return nil
	}

	fmt.Printf("Matches for %q:\n", query)
	for _, p := range results {
		summary := p.Content
		if len(summary) > 60 {
			summary = summary[:57] + "..."
		}
		fmt.Printf("  %-12s %-28s conf=%.2f  %s\n", p.Type, p.Name, p.Confidence, summary)
	}
	return nil
}

func patternStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Pattern store")
	fmt.Println("=============")
	fmt.Printf("Total:          %d\n", stats.Total)
	fmt.Printf("With embedding: %d\n", stats.WithEmbedding)
	fmt.Printf("Avg confidence: %.2f\n", stats.AvgConfidence)
	for _, pt := range []types.PatternType{types.PatternFailure, types.PatternOpportunity, types.PatternUserIntent} {
		fmt.Printf("  %-12s %d\n", pt, stats.ByType[string(pt)])
	}
	return nil
}

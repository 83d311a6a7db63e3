// territoryctl：命令行执行层级解析、街道发现与领地检测（不启动 HTTP 服务）
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"territory-api/internal/app"
	"territory-api/internal/config"
	"territory-api/internal/detection"
	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/resolver"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	country    string
	output     string
	timeout    time.Duration
}

type scope struct {
	area, municipality, community string
}

func (s *scope) register(cmd *cobra.Command, withCommunity bool) {
	cmd.Flags().StringVar(&s.area, "area", "", "area (region/state) name")
	cmd.Flags().StringVar(&s.municipality, "municipality", "", "municipality (city) name")
	if withCommunity {
		cmd.Flags().StringVar(&s.community, "community", "", "community (neighbourhood) name")
	}
}

// parents：由近及远
func (s scope) parents() []model.GeoNode {
	var out []model.GeoNode
	if s.municipality != "" {
		out = append(out, model.GeoNode{Name: s.municipality, Level: model.LevelMunicipality})
	}
	if s.area != "" {
		out = append(out, model.GeoNode{Name: s.area, Level: model.LevelArea})
	}
	return out
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "territoryctl",
		Short:         "Resolve places, discover streets and detect residential territories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (overrides TERRITORY_CONFIG)")
	pf.StringVar(&opts.country, "country", "", "country used in gazetteer queries")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format: text|json")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall operation timeout")

	root.AddCommand(newResolveCmd(opts), newStreetsCmd(opts), newDetectCmd(opts))
	return root
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	if opts.configPath != "" {
		_ = os.Setenv("TERRITORY_CONFIG", opts.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if opts.country != "" {
		cfg.Country = opts.country
	}
	return cfg, nil
}

func build(cmd *cobra.Command, opts *rootOptions, o app.Options) (*app.App, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	a, err := app.Build(ctx, cfg, o)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return a, ctx, cancel, nil
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var sc scope
	var level string
	cmd := &cobra.Command{
		Use:   "resolve QUERY",
		Short: "List gazetteer candidates for a place name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lv, ok := model.ParseLevel(level)
			if !ok {
				return fmt.Errorf("unknown level %q", level)
			}
			a, ctx, cancel, err := build(cmd, opts, app.Options{})
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()
			nodes, err := a.Resolver.Resolve(ctx, lv, args[0], sc.parents()...)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				return resolver.ErrResolutionEmpty
			}
			return render(cmd.OutOrStdout(), opts.output, nodes, func(w io.Writer) {
				for _, n := range nodes {
					fmt.Fprintf(w, "%-12s %-40s %.5f,%.5f  %s\n", n.ID, n.Name, n.Lat, n.Lon, n.PlaceType)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "community", "level: area|municipality|community")
	sc.register(cmd, false)
	return cmd
}

func newStreetsCmd(opts *rootOptions) *cobra.Command {
	var sc scope
	var filter string
	cmd := &cobra.Command{
		Use:   "streets",
		Short: "Discover residential streets in a community",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sc.community == "" {
				return fmt.Errorf("--community is required")
			}
			a, ctx, cancel, err := build(cmd, opts, app.Options{})
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()
			community, err := a.Resolver.ResolveOne(ctx, model.LevelCommunity, sc.community, sc.parents()...)
			if err != nil {
				return fmt.Errorf("community %q: %w", sc.community, err)
			}
			muni := model.GeoNode{Name: sc.municipality}
			res, err := a.Streets.Discover(ctx, community, muni, model.GeoNode{Name: sc.area})
			if err != nil {
				return err
			}
			list := res.Streets
			if filter != "" {
				list = a.Streets.Filter(community, filter)
			}
			return render(cmd.OutOrStdout(), opts.output, list, func(w io.Writer) {
				fmt.Fprintf(w, "# %d streets via %s\n", len(list), res.Tier)
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\n", s.Name, s.Source)
				}
			})
		},
	}
	sc.register(cmd, true)
	cmd.Flags().StringVar(&filter, "filter", "", "substring filter on street names")
	return cmd
}

func newDetectCmd(opts *rootOptions) *cobra.Command {
	var sc scope
	var streetNames []string
	var save, record bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect buildings along streets and synthesize a territory draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := build(cmd, opts, app.Options{WithStore: record})
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			sess := a.Sessions.Create()
			h := sess.Hierarchy()
			h.SelectArea(ctx, model.GeoNode{Name: sc.area, Level: model.LevelArea})
			h.SelectMunicipality(ctx, model.GeoNode{Name: sc.municipality, Level: model.LevelMunicipality})
			h.SelectCommunity(ctx, model.GeoNode{Name: sc.community, Level: model.LevelCommunity})
			h.SelectStreets(selectedStreets(streetNames))

			out, err := a.Orchestrator.Run(ctx, sess)
			if err != nil {
				printFailure(cmd.ErrOrStderr(), err)
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) { summary(w, out) }); err != nil {
				return err
			}
			if !save {
				return nil
			}
			res, err := a.Orchestrator.Save(ctx, sess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved territory %s\n", res.ID)
			return nil
		},
	}
	sc.register(cmd, true)
	cmd.Flags().StringSliceVarP(&streetNames, "street", "s", nil, "street to scan (repeatable); all discovered streets when omitted")
	cmd.Flags().BoolVar(&save, "save", false, "validate and save the draft via the territory backend")
	cmd.Flags().BoolVar(&record, "record", false, "record the run in Postgres")
	return cmd
}

func selectedStreets(names []string) []model.Street {
	var out []model.Street
	seen := make(map[string]struct{})
	for _, n := range names {
		n = strings.TrimSpace(n)
		k := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, model.Street{Name: n, Source: model.SourceFallback})
	}
	return out
}

func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func summary(w io.Writer, out *detection.Outcome) {
	fmt.Fprintf(w, "territory:   %s\n", out.Draft.Name)
	fmt.Fprintf(w, "buildings:   %d (%d estimated)\n", out.Buildings, out.Synthesized)
	fmt.Fprintf(w, "area:        %.0f m2\n", out.AreaM2)
	fmt.Fprintf(w, "density:     %.2f per ha\n", out.DensityPerHa)
	fmt.Fprintf(w, "api calls:   %d\n", out.APICalls)
	for _, warn := range out.Warnings {
		fmt.Fprintf(w, "warning:     %s\n", warn)
	}
}

func printFailure(w io.Writer, err error) {
	var f *detection.Failure
	if !errors.As(err, &f) {
		return
	}
	for _, warn := range f.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func main() {
	logger.Setup()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"civicportal/client"
	"civicportal/location"
	"civicportal/report"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	submitImage       string
	submitDescription string
	submitCategories  []string
	submitPriority    string
	submitLocation    string
	submitCustom      string
	submitLocate      bool
	submitLat         float64
	submitLng         float64
	submitAccuracy    float64
	submitDefaultLat  float64
	submitDefaultLng  float64
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a problem report",
	Long: `Submits a report with a photo, a description, categories, a priority and
a location.

The photo is analyzed while the location is being worked out. Categories
must come from the suggestions; run 'reportctl analyze' first to see them.
Either type the location with --location, or use --locate to resolve it:
with --lat and --lng the coordinates are used, without them a nearby place
is filled in.

Examples:
  reportctl submit --image bin.jpg --description "Overflowing bin" \
    --category "Garbage & Waste" --location "Mall Road, Kanpur"
  reportctl submit --image pipe.png --description "Burst pipe" \
    --category "Water Issues" --priority high --locate --lat 26.47 --lng 80.34`,
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitImage, "image", "", "Photo of the problem (JPEG, PNG or GIF, up to 10MB)")
	f.StringVar(&submitDescription, "description", "", "What is wrong")
	f.StringSliceVar(&submitCategories, "category", nil, "Problem category, repeatable")
	f.StringVar(&submitPriority, "priority", string(report.PriorityMedium), "low, medium or high")
	f.StringVar(&submitLocation, "location", "", "Where the problem is")
	f.StringVar(&submitCustom, "custom-problem", "", "Short name of the problem when using Other Issues")
	f.BoolVar(&submitLocate, "locate", false, "Resolve the location instead of typing it")
	f.Float64Var(&submitLat, "lat", 0, "Latitude for --locate")
	f.Float64Var(&submitLng, "lng", 0, "Longitude for --locate")
	f.Float64Var(&submitAccuracy, "accuracy", 0, "Accuracy of --lat/--lng in meters")
	f.Float64Var(&submitDefaultLat, "default-lat", 26.4499, "Latitude sent when the location was typed")
	f.Float64Var(&submitDefaultLng, "default-lng", 80.3319, "Longitude sent when the location was typed")
	submitCmd.MarkFlagRequired("image")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(submitImage)
	if err != nil {
		return err
	}
	priority, err := report.ParsePriority(submitPriority)
	if err != nil {
		return err
	}
	backend, err := newBackend()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var problem *client.Problem
	form := report.NewForm(report.Config{
		Layout:   report.Desktop,
		Analyzer: backend,
		Resolver: newResolver(),
		Submit: backend.Submitter(
			location.Position{Latitude: submitDefaultLat, Longitude: submitDefaultLng},
			func(_ report.Payload, p *client.Problem) { problem = p },
		),
		Notify: printEvent,
	})
	defer form.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	// Analysis and location run side by side, as they do in the forms
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := form.AttachImage(filepath.Base(submitImage), "", data); err != nil {
			return err
		}
		form.Wait()
		return nil
	})
	if submitLocate && submitLocation == "" {
		eg.Go(func() error {
			_, err := form.ResolveLocation(egCtx)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	form.SetDescription(submitDescription)
	form.SetCustomProblem(submitCustom)
	if err := form.SetPriority(priority); err != nil {
		return err
	}
	if submitLocation != "" {
		form.SetLocation(submitLocation)
	}
	if len(submitCategories) > 0 {
		if err := form.SelectCategories(submitCategories); err != nil {
			if errors.Is(err, report.ErrUnknownCategory) {
				return fmt.Errorf("%w; suggested: %s", err, strings.Join(form.Snapshot().Suggested, ", "))
			}
			return err
		}
	}

	snapshot := form.Snapshot()
	if err := form.Submit(ctx); err != nil {
		var verr *report.ValidationError
		if errors.As(err, &verr) {
			if verr.Field == "categories" {
				return fmt.Errorf("%s Suggested: %s", verr.Message, strings.Join(snapshot.Suggested, ", "))
			}
			return errors.New(verr.Message)
		}
		if errors.Is(err, client.ErrUnauthorized) {
			return errors.New("the backend rejected the session token; it has been cleared, set a new one with 'reportctl token set'")
		}
		return err
	}

	fmt.Fprintf(out, "Report submitted at %s", snapshot.Draft.Location)
	if problem != nil && problem.ID != "" {
		fmt.Fprintf(out, " (problem %s)", problem.ID)
	}
	fmt.Fprintln(out)
	return nil
}

// newResolver uses the given coordinates as the device. Without them (0/0
// is never a real fix) no device is available and a mock place is used.
func newResolver() *location.Resolver {
	if submitLat != 0 || submitLng != 0 {
		device := location.StaticDevice{
			Position: location.Position{Latitude: submitLat, Longitude: submitLng, Accuracy: submitAccuracy},
		}
		return location.NewResolver(location.Environment{Hostname: "localhost", DeviceAPI: true}, device)
	}
	return location.NewResolver(location.Environment{}, nil)
}

// printEvent shows form notices; validation failures are returned as errors
// instead
func printEvent(ev report.Event) {
	if ev.Message == "" || ev.Type == report.EventValidation {
		return
	}
	entry := log.WithField("event", string(ev.Type))
	switch ev.Level {
	case report.LevelError:
		entry.Error(ev.Message)
	case report.LevelWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}

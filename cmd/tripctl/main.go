// Command tripctl drives rider and driver sessions against the trip API and
// prints each new view as a JSON line.
//
//	tripctl token -secret S -sub rider-1 -role RIDER
//	tripctl rider -pickup 12.97,77.59 -drop 12.93,77.62 -category CAB
//	tripctl rider -trip <trip_id>
//	tripctl driver -start 12.97,77.59 -accept
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/example/trip-dispatch/internal/client"
	"github.com/example/trip-dispatch/internal/config"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/poller"
	"github.com/example/trip-dispatch/internal/view"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.NewLoggerTo(os.Stderr, os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "rider":
		err = runRider(ctx, cfg, logger, os.Args[2:])
	case "driver":
		err = runDriver(ctx, cfg, logger, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tripctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tripctl token|rider|driver [flags]")
	os.Exit(2)
}

// commonFlags binds the connection flags every session command shares.
func commonFlags(fs *flag.FlagSet, cfg *config.ClientConfig) {
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "trip API base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
}

func intervals(cfg config.ClientConfig) poller.Intervals {
	return poller.Intervals{Status: cfg.StatusEvery, Otp: cfg.OtpEvery, Offers: cfg.OffersEvery}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	sub := fs.String("sub", "", "actor id")
	role := fs.String("role", "RIDER", "RIDER, DRIVER, FLEET_OWNER, TENANT_ADMIN or PLATFORM_ADMIN")
	tenant := fs.Int64("tenant", 0, "tenant id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	r, err := models.ParseRole(*role)
	if err != nil {
		return err
	}
	if *secret == "" || *sub == "" {
		return fmt.Errorf("-secret and -sub are required")
	}
	tok, err := httpapi.NewAuthenticator(*secret).Issue(models.Actor{ID: *sub, Role: r, TenantID: *tenant}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runRider(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("rider", flag.ExitOnError)
	commonFlags(fs, &cfg)
	tripID := fs.String("trip", "", "follow an existing trip")
	pickup := fs.String("pickup", "", "pickup as lat,lon")
	drop := fs.String("drop", "", "drop as lat,lon")
	category := fs.String("category", string(models.CategoryCab), "vehicle category")
	fs.Parse(args)

	c := client.New(cfg.BaseURL, cfg.Token, cfg.RequestTimeout)
	if *tripID == "" {
		from, err := parseCoord(*pickup)
		if err != nil {
			return fmt.Errorf("-pickup: %w", err)
		}
		to, err := parseCoord(*drop)
		if err != nil {
			return fmt.Errorf("-drop: %w", err)
		}
		t, err := c.RequestTrip(ctx, client.TripRequest{
			Pickup:   models.Place{Coord: from},
			Drop:     models.Place{Coord: to},
			Category: models.VehicleCategory(strings.ToUpper(*category)),
		})
		if err != nil {
			return err
		}
		*tripID = t.ID
		logger.Info("trip requested", "trip_id", t.ID)
	}

	done := make(chan struct{})
	var once sync.Once
	sess := poller.StartRider(ctx, c, *tripID, intervals(cfg), logger, func(v view.RiderView) {
		printJSON(v)
		if v.Phase == view.PhaseCompleted || v.Phase == view.PhaseCancelled {
			once.Do(func() { close(done) })
		}
	})
	defer sess.Close()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

func runDriver(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("driver", flag.ExitOnError)
	commonFlags(fs, &cfg)
	start := fs.String("start", "", "start a shift at lat,lon before watching")
	accept := fs.Bool("accept", false, "accept the first offer that arrives")
	fs.Parse(args)

	c := client.New(cfg.BaseURL, cfg.Token, cfg.RequestTimeout)
	if *start != "" {
		loc, err := parseCoord(*start)
		if err != nil {
			return fmt.Errorf("-start: %w", err)
		}
		sh, err := c.StartShift(ctx, loc)
		if err != nil {
			return err
		}
		logger.Info("shift started", "vehicle_id", sh.VehicleID, "category", sh.VehicleCategory)
	}

	var (
		sess     *poller.DriverSession
		mu       sync.Mutex
		accepted bool
	)
	// the callback may fire before StartDriver returns; mu orders it after
	// sess is set
	mu.Lock()
	sess = poller.StartDriver(ctx, c, intervals(cfg), logger, func(v view.DriverView) {
		printJSON(v)
		mu.Lock()
		defer mu.Unlock()
		if !*accept || accepted || len(v.Offers) == 0 {
			return
		}
		t, err := c.RespondOffer(ctx, v.Offers[0].AttemptID, true)
		if err != nil {
			logger.Warn("accept failed", "attempt_id", v.Offers[0].AttemptID, "error", err)
			return
		}
		accepted = true
		sess.Track(t)
		logger.Info("offer accepted", "trip_id", t.ID)
	})
	mu.Unlock()
	defer sess.Close()

	<-ctx.Done()
	return nil
}

func parseCoord(s string) (models.Coord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("want lat,lon, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Coord{}, err
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if !c.Valid() {
		return models.Coord{}, fmt.Errorf("coordinate %s out of range", c)
	}
	return c, nil
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(b))
}

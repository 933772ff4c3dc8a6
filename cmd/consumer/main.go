package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total trip events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable or unknown events",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful read model updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total read model updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev events.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		key, fields, ok := project(ev)
		if !ok {
			msgsInvalid.Inc()
			logger.Warn("event carries nothing to project", "type", ev.Type, "event_id", ev.ID)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, key, fields, cfg.ReadModelTTL, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("read model update failed", "key", key, "type", ev.Type, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// project turns an event into the hash it updates: trip:{id} for trip and
// offer events, driver:shift:{id} for shift events.
func project(ev events.Event) (string, map[string]interface{}, bool) {
	at := ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	switch {
	case ev.Trip != nil:
		t := ev.Trip
		fields := map[string]interface{}{
			"status":     string(t.Status),
			"rider_id":   t.RiderID,
			"driver_id":  "",
			"last_event": string(ev.Type),
			"updated_at": at,
		}
		if t.DriverID != nil {
			fields["driver_id"] = *t.DriverID
		}
		if t.FareAmount != nil {
			fields["fare"] = strconv.FormatFloat(*t.FareAmount, 'f', 2, 64)
		} else if t.EstimatedFare != nil {
			fields["fare"] = strconv.FormatFloat(*t.EstimatedFare, 'f', 2, 64)
		}
		return "trip:" + t.ID, fields, true
	case ev.Offer != nil:
		o := ev.Offer
		return "trip:" + o.TripID, map[string]interface{}{
			"offer_attempt_id": o.AttemptID,
			"offer_driver_id":  o.DriverID,
			"offer_response":   string(o.Response),
			"offer_round":      o.Round,
			"last_event":       string(ev.Type),
			"updated_at":       at,
		}, true
	case ev.Shift != nil:
		s := ev.Shift
		return "driver:shift:" + s.DriverID, map[string]interface{}{
			"status":           string(s.Status),
			"vehicle_category": string(s.VehicleCategory),
			"online":           s.Status == models.ShiftOnline,
			"updated_at":       at,
		}, true
	}
	return "", nil, false
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

// updateRedisWithRetry writes one projection with retry and doubling backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, fields map[string]interface{}, ttl time.Duration, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.HSet(ctx, key, fields); err == nil {
			if ttl <= 0 {
				return nil
			}
			if err = rc.Expire(ctx, key, ttl); err == nil {
				return nil
			}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

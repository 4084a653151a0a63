package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/broker"
	"github.com/dropDatabas3/discover/internal/channel"
)

// client habla con la API de operación de un discoverd.
type client struct {
	BaseURL   string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(strings.TrimSpace(string(body)))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

// bus agrupa los flags para hablar directo con el redis compartido.
type bus struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Topic    string
}

func (b *bus) client() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: b.Addr, Password: b.Password, DB: b.DB})
}

func (b *bus) channel(rc *redis.Client, heartbeat time.Duration) *channel.Channel {
	return channel.New(channel.NewRedisTransport(rc, b.Prefix), channel.Options{
		Topic:             b.Topic,
		Heartbeat:         heartbeat,
		MaxConnectElapsed: 10 * time.Second,
		Logger:            zap.NewNop(),
	})
}

func main() {
	_ = godotenv.Load()

	var (
		baseURL = envOr("DISCOVER_URL", "http://localhost:8080")
		out     = envOr("DISCOVER_OUT", "text")
		timeout = 10 * time.Second
		b       = &bus{
			Addr:   envOr("REDIS_ADDR", "localhost:6379"),
			Prefix: envOr("REDIS_PREFIX", "discover:"),
			Topic:  envOr("DISCOVER_TOPIC", channel.DefaultTopic),
		}
	)

	root := &cobra.Command{
		Use:          "discoverctl",
		Short:        "CLI para anunciar, observar y operar servicios de discover",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base de la API de operación (env DISCOVER_URL)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")
	root.PersistentFlags().StringVar(&b.Addr, "redis-addr", b.Addr, "Dirección de redis (env REDIS_ADDR)")
	root.PersistentFlags().StringVar(&b.Password, "redis-password", os.Getenv("REDIS_PASSWORD"), "Password de redis")
	root.PersistentFlags().IntVar(&b.DB, "redis-db", 0, "DB de redis")
	root.PersistentFlags().StringVar(&b.Prefix, "prefix", b.Prefix, "Prefijo de keys/canales (env REDIS_PREFIX)")
	root.PersistentFlags().StringVar(&b.Topic, "topic", b.Topic, "Topic de anuncios (env DISCOVER_TOPIC)")

	cl := &client{BaseURL: baseURL, OutFormat: out, HTTP: &http.Client{Timeout: timeout}}
	root.PersistentPreRun = func(*cobra.Command, []string) {
		cl.BaseURL, cl.OutFormat = baseURL, out
	}

	root.AddCommand(statusCmd(cl), peersCmd(cl))
	root.AddCommand(announceCmd(b), watchCmd(b), registerCmd(b), tailCmd(b))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func statusCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Estado de readiness de un discoverd (GET /readyz)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, "/readyz", nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			if status != http.StatusOK {
				return fmt.Errorf("not ready: status=%d", status)
			}
			return nil
		},
	}
}

func peersCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "peers [kind]",
		Short: "Peers observados por un discoverd (GET /v1/peers)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/peers"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			status, body, err := cl.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("peers fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
}

func announceCmd(b *bus) *cobra.Command {
	var (
		kind  string
		attrs []string
		ready bool
		hold  bool
		beat  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Publica un anuncio (con --hold lo mantiene vivo con heartbeat)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--type es requerido")
			}
			m, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			ad := advert.New(kind, m)
			ad.Ready = ready
			if err := ad.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rc := b.client()
			defer rc.Close()
			heartbeat := time.Duration(-1)
			if hold {
				heartbeat = beat
			}
			ch := b.channel(rc, heartbeat)
			defer ch.Close()

			if err := ch.Connect(ctx); err != nil {
				return err
			}
			if err := ch.Publish(ctx, ad); err != nil {
				return err
			}
			fmt.Println(ad.ID)
			if hold {
				<-ctx.Done()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "Tipo de servicio (ej. service.queue)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Atributo key=value; keys con punto anidan (config.host=mq)")
	cmd.Flags().BoolVar(&ready, "ready", false, "Anunciar ready=true")
	cmd.Flags().BoolVar(&hold, "hold", false, "Quedarse corriendo y re-publicar con heartbeat")
	cmd.Flags().DurationVar(&beat, "heartbeat", 10*time.Second, "Intervalo de heartbeat con --hold")
	return cmd
}

func watchCmd(b *bus) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Imprime cada anuncio observado (JSON por línea)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rc := b.client()
			defer rc.Close()
			ch := b.channel(rc, -1)
			defer ch.Close()

			enc := json.NewEncoder(os.Stdout)
			if _, err := ch.Subscribe(func(ad advert.Advertisement) {
				if kind == "" || ad.Kind == kind {
					_ = enc.Encode(ad)
				}
			}); err != nil {
				return err
			}
			if err := ch.Connect(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "Filtrar por tipo de servicio")
	return cmd
}

func registerCmd(b *bus) *cobra.Command {
	return &cobra.Command{
		Use:   "register <json>",
		Short: "Publica una registración en el exchange durable service-register",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &body); err != nil {
				return fmt.Errorf("body no es JSON válido: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rc := b.client()
			defer rc.Close()
			brk := broker.NewRedis(rc, broker.RedisOptions{Prefix: b.Prefix, Logger: zap.NewNop()})
			defer brk.Close()

			ex, err := brk.Declare(ctx, broker.ExchangeServiceRegister, broker.Durable)
			if err != nil {
				return err
			}
			id, err := ex.Publish(ctx, body)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func tailCmd(b *bus) *cobra.Command {
	var exchange string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Sigue las entregas de un exchange del broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := broker.Volatile
			if exchange == broker.ExchangeServiceRegister {
				kind = broker.Durable
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rc := b.client()
			defer rc.Close()
			brk := broker.NewRedis(rc, broker.RedisOptions{Prefix: b.Prefix, Logger: zap.NewNop()})
			defer brk.Close()

			ex, err := brk.Declare(ctx, exchange, kind)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			if _, err := ex.Subscribe(ctx, func(d broker.Delivery) {
				_ = enc.Encode(map[string]any{"exchange": d.Exchange, "id": d.ID, "envelope": d.Envelope})
			}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&exchange, "exchange", broker.ExchangeServiceCreate, "Exchange a seguir (service-create|service-register)")
	return cmd
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

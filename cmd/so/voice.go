package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteorder/internal/config"
	"siteorder/internal/db"
	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/offline"
	"siteorder/internal/repo"
	"siteorder/internal/speech"
	siteordersdk "siteorder/sdk/go"
)

func turnCmd() *cobra.Command {
	var audioPath, sayPath string
	cmd := &cobra.Command{
		Use:   "turn [transcript...]",
		Short: "Run one spoken request against the current project",
		Long: `Runs a transcript, or an audio file with --audio, through intent resolution and product matching.
Products listed by a search are numbered; the numbering is kept for the next turn so "the second one" works.
Cart changes go to the worker's stored cart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := activeWorker()
			if err != nil {
				return err
			}
			transcript := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				if audioPath != "" {
					if transcript, err = transcribeFile(ctx, e.Config, audioPath); err != nil {
						return err
					}
				}
				if err := e.Access().RequireAssignment(ctx, nil, p.ID, worker); err != nil {
					return err
				}
				session, err := e.OpenCart(ctx, worker, p.ID)
				if err != nil {
					return err
				}
				ctxPath, err := turnContextPath(worker)
				if err != nil {
					return err
				}
				res, err := e.ProcessTurn(ctx, engine.TurnRequest{
					WorkerID:   worker,
					ProjectID:  p.ID,
					Transcript: transcript,
					Context:    loadTurnContext(ctxPath),
					Cart:       session,
				})
				if err != nil {
					return err
				}
				switch r := res.(type) {
				case engine.SearchResult:
					if err := saveTurnContext(ctxPath, r.Context); err != nil {
						return err
					}
				case engine.ClearResult:
					if err := os.Remove(ctxPath); err != nil && !errors.Is(err, os.ErrNotExist) {
						return err
					}
				}
				if sayPath != "" && res.Speech() != "" {
					if err := synthesizeTo(ctx, e.Config, res.Speech(), sayPath); err != nil {
						return err
					}
				}
				return render(res, func() { printTurn(res) })
			})
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "audio file to transcribe instead of a typed transcript")
	cmd.Flags().StringVar(&sayPath, "say", "", "write the spoken reply as mp3 to this file")
	return cmd
}

func printTurn(res engine.TurnResult) {
	if s := res.Speech(); s != "" {
		fmt.Println(s)
	} else if _, ok := res.(engine.ClearResult); ok {
		fmt.Println("Starting over.")
	}
	sr, ok := res.(engine.SearchResult)
	if !ok {
		return
	}
	if len(sr.Context.Products) > 0 {
		t := newTable("#", "Product", "SKU", "Price", "Unit")
		for _, p := range sr.Context.Products {
			t.AppendRow(table.Row{p.Index, p.ProductName, p.SKU, francs(p.PricePerUnit), p.Unit})
		}
		t.Render()
	}
	for _, s := range sr.SupplierSuggestions {
		fmt.Printf("Try %s: %s\n", s.Name, s.ShopURL)
	}
}

func turnContextPath(worker string) (string, error) {
	dir, err := db.EnsureWorkspace(viper.GetString("workspace"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "turn-"+url.PathEscape(worker)+".json"), nil
}

func loadTurnContext(path string) *domain.ConversationContext {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var c domain.ConversationContext
	if err := json.Unmarshal(data, &c); err != nil {
		logrus.WithError(err).Warn("ignoring unreadable turn context")
		return nil
	}
	return &c
}

func saveTurnContext(path string, c domain.ConversationContext) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func cartCmd() *cobra.Command {
	crt := &cobra.Command{Use: "cart", Short: "Inspect the worker's cart"}
	crt.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show cart lines, note and priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(cmd.Context(), func(ctx context.Context, e engine.Engine, s cartHandle) error {
				return renderCart(s)
			})
		},
	})
	crt.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the cart and reset note and priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(cmd.Context(), func(ctx context.Context, e engine.Engine, s cartHandle) error {
				if err := s.session.Clear(ctx); err != nil {
					return err
				}
				return renderCart(s)
			})
		},
	})
	return crt
}

func checkoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout",
		Short: "Submit the cart as an order, queueing it when offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(cmd.Context(), func(ctx context.Context, e engine.Engine, s cartHandle) error {
				st := s.session.State()
				if len(st.Items) == 0 {
					return fmt.Errorf("cart is empty")
				}
				o := engine.CartOrder(st, s.worker)
				if err := placeOrder(ctx, e, s.worker, o); err != nil {
					return err
				}
				return s.session.Clear(ctx)
			})
		},
	}
}

type cartHandle struct {
	worker  string
	project domain.Project
	session interface {
		State() domain.CartState
		Total() int64
		Clear(ctx context.Context) error
	}
}

func withCart(ctx context.Context, fn func(context.Context, engine.Engine, cartHandle) error) error {
	worker, err := activeWorker()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		p, err := activeProject(ctx, e)
		if err != nil {
			return err
		}
		if err := e.Access().RequireAssignment(ctx, nil, p.ID, worker); err != nil {
			return err
		}
		s, err := e.OpenCart(ctx, worker, p.ID)
		if err != nil {
			return err
		}
		return fn(ctx, e, cartHandle{worker: worker, project: p, session: s})
	})
}

func renderCart(s cartHandle) error {
	st := s.session.State()
	total := s.session.Total()
	out := map[string]any{"workerId": s.worker, "cart": st, "totalCents": total}
	return render(out, func() {
		if len(st.Items) == 0 {
			fmt.Println("Your cart is empty.")
			return
		}
		t := newTable("Product", "SKU", "Qty", "Unit price", "Line total")
		for _, it := range st.Items {
			t.AppendRow(table.Row{it.Name, it.SKU, it.Quantity, francs(it.PricePerUnit), francs(it.PricePerUnit * int64(it.Quantity))})
		}
		t.AppendFooter(table.Row{"", "", "", "Total", francs(total)})
		t.Render()
		if st.Note != nil {
			fmt.Printf("Note: %s\n", *st.Note)
		}
		fmt.Printf("Priority: %s\n", st.Priority)
	})
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Offline order queue",
		Long:  "Orders wait here until the order endpoint accepts them. Each order keeps its id as idempotency key; after the retry budget it is moved to the abandoned list.",
	}
	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, e engine.Engine, q *offline.Queue) error {
				pending := q.Pending()
				return render(pending, func() {
					t := newTable("ID", "Project", "Items", "Queued", "Retries", "Last error")
					for _, o := range pending {
						t.AppendRow(table.Row{short(o.ID), o.ProjectID, offline.DescribeItems(o), ago(o.QueuedAt), o.RetryCount, o.LastError})
					}
					t.Render()
				})
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Try to deliver pending orders now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, e engine.Engine, q *offline.Queue) error {
				report, err := q.ProcessQueue(ctx)
				if err != nil {
					return err
				}
				return render(report, func() { printDrainReport(report, e.Config.Queue.MaxRetries) })
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Drain on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, e engine.Engine, q *offline.Queue) error {
				report, err := q.Signal(ctx, offline.WentOnline)
				if err != nil {
					return err
				}
				printDrainReport(report, e.Config.Queue.MaxRetries)
				logrus.WithField("interval", e.Config.DrainInterval().String()).Info("watching queue")
				if err := q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "abandoned",
		Short: "List orders that ran out of retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := activeWorker()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.AbandonedOrders(ctx, worker)
				if err != nil {
					return err
				}
				return render(items, func() {
					t := newTable("ID", "Project", "Items", "Retries", "Last error", "Abandoned")
					for _, a := range items {
						t.AppendRow(table.Row{short(a.Order.ID), a.Order.ProjectID, offline.DescribeItems(a.Order), a.Order.RetryCount, a.Order.LastError, ago(a.AbandonedAt)})
					}
					t.Render()
				})
			})
		},
	})
	return q
}

func withQueue(ctx context.Context, fn func(context.Context, engine.Engine, *offline.Queue) error) error {
	worker, err := activeWorker()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		q, err := openQueue(ctx, e, worker)
		if err != nil {
			return err
		}
		return fn(ctx, e, q)
	})
}

// placeOrder submits o right away and leaves it in the offline queue only
// when that fails.
func placeOrder(ctx context.Context, e engine.Engine, worker string, o domain.QueuedOrder) error {
	q, err := openQueue(ctx, e, worker)
	if err != nil {
		return err
	}
	p, err := q.Place(ctx, o)
	if err != nil {
		return err
	}
	return render(p, func() { printPlacement(p) })
}

// openQueue delivers through the remote order endpoint when a server URL is
// configured, otherwise straight into the local database.
func openQueue(ctx context.Context, e engine.Engine, worker string) (*offline.Queue, error) {
	var (
		submitter offline.Submitter    = e
		online    offline.Connectivity = offline.AlwaysOnline
	)
	if base := serverURL(e.Config); base != "" {
		client := siteordersdk.New(base, "")
		client.APIKey = viper.GetString("api-key")
		client.BearerToken = viper.GetString("token")
		client.WorkerID = worker
		client.Timeout = e.Config.SubmitTimeout()
		submitter = remoteSubmitter{client: client}
		online = offline.ConnectivityFunc(func(ctx context.Context) bool {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return client.Health(ctx) == nil
		})
	}
	return offline.Open(ctx, offline.Options{
		WorkerID:      worker,
		Store:         e.Repo,
		Submitter:     submitter,
		Connectivity:  online,
		Journal:       e.Events,
		MaxRetries:    e.Config.Queue.MaxRetries,
		Interval:      e.Config.DrainInterval(),
		SubmitTimeout: e.Config.SubmitTimeout(),
		Log:           logrus.StandardLogger(),
	})
}

func serverURL(cfg *config.Config) string {
	if v := strings.TrimSpace(viper.GetString("server")); v != "" {
		return v
	}
	return strings.TrimSpace(cfg.Queue.ServerURL)
}

// remoteSubmitter posts queued orders with the order id as Idempotency-Key.
type remoteSubmitter struct {
	client *siteordersdk.Client
}

func (s remoteSubmitter) Submit(ctx context.Context, o domain.QueuedOrder) (domain.OrderReceipt, error) {
	req := siteordersdk.OrderRequest{
		ProjectID: o.ProjectID,
		Notes:     o.SubmissionNotes(),
		Priority:  string(o.Priority),
	}
	for _, it := range o.Items {
		req.Items = append(req.Items, siteordersdk.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	r, err := s.client.SubmitOrder(ctx, req, o.ID)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	return domain.OrderReceipt{
		OrderID:        r.OrderID,
		OrderNumber:    r.OrderNumber,
		IsAutoApproved: r.IsAutoApproved,
		TotalCents:     r.TotalCents,
	}, nil
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [date reference...]",
		Short: `Past orders, e.g. "so history last tuesday"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := activeWorker()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				page, err := e.OrderHistory(ctx, engine.HistoryQuery{
					WorkerID:      worker,
					ProjectID:     p.ID,
					DateReference: strings.Join(args, " "),
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				return render(page, func() {
					fmt.Println(page.Summary)
					if len(page.Orders) == 0 {
						return
					}
					t := newTable("Order", "Placed", "Status", "Items", "Total")
					for _, o := range page.Orders {
						t.AppendRow(table.Row{o.OrderNumber, ago(o.CreatedAt), o.Status, len(o.Items), francs(o.TotalCents)})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum number of orders")
	return cmd
}

func favoritesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "favorites",
		Short: "The worker's most used products",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := activeWorker()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				favs, err := e.Favorites(ctx, worker, p.ID)
				if err != nil {
					return err
				}
				return render(favs, func() {
					t := newTable("Product", "SKU", "Price", "Used", "Usual qty")
					for _, f := range favs {
						t.AppendRow(table.Row{f.ProductName, f.SKU, francs(f.PricePerUnit), humanize.Comma(int64(f.UsageCount)) + "x", f.DefaultQuantity})
					}
					t.Render()
				})
			})
		},
	}
}

func speechCmd() *cobra.Command {
	sp := &cobra.Command{Use: "speech", Short: "Speech-to-text and text-to-speech"}
	sp.AddCommand(&cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			text, err := transcribeFile(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			return render(map[string]string{"text": text}, func() { fmt.Println(text) })
		},
	})
	var out string
	say := &cobra.Command{
		Use:   "say <text...>",
		Short: "Synthesize text to an mp3 file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return synthesizeTo(cmd.Context(), cfg, strings.Join(args, " "), out)
		},
	}
	say.Flags().StringVarP(&out, "out", "o", "reply.mp3", "output file")
	sp.AddCommand(say)
	return sp
}

func speechClient(cfg *config.Config) (*speech.OpenAIClient, error) {
	key := viper.GetString("openai-api-key")
	if key == "" {
		return nil, fmt.Errorf("speech needs OPENAI_API_KEY or SITEORDER_OPENAI_API_KEY")
	}
	return speech.NewOpenAI(speech.Options{
		APIKey:   key,
		STTModel: cfg.Speech.STTModel,
		TTSModel: cfg.Speech.TTSModel,
		Voice:    cfg.Speech.Voice,
		MaxChars: cfg.Speech.MaxTTSChars,
	}), nil
}

func transcribeFile(ctx context.Context, cfg *config.Config, path string) (string, error) {
	client, err := speechClient(cfg)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if max := cfg.Speech.MaxAudioBytes; max > 0 && info.Size() > max {
		return "", fmt.Errorf("%s is %s, the limit is %s", path, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(max)))
	}
	return client.Transcribe(ctx, f, filepath.Base(path), cfg.Speech.Language)
}

func synthesizeTo(ctx context.Context, cfg *config.Config, text, path string) error {
	if err := speech.ValidateText(text, cfg.Speech.MaxTTSChars); err != nil {
		return err
	}
	client, err := speechClient(cfg)
	if err != nil {
		return err
	}
	audio, err := client.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, audio)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logrus.WithField("file", path).WithField("size", humanize.Bytes(uint64(n))).Info("wrote speech")
	return nil
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, kind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := repo.EventFilter{Type: evtType, EntityKind: kind, Limit: n}
				if p, err := activeProject(ctx, e); err == nil {
					filter.ProjectID = p.ID
				}
				evts, err := e.Repo.LatestEvents(ctx, filter)
				if err != nil {
					return err
				}
				return render(evts, func() {
					t := newTable("ID", "When", "Type", "Entity", "Actor", "Payload")
					for _, ev := range evts {
						t.AppendRow(table.Row{ev.ID, ago(ev.TS), ev.Type, strings.TrimSuffix(ev.EntityKind+":"+short(ev.EntityID), ":"), ev.ActorID, ev.Payload})
					}
					t.Render()
				})
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "only this event type, e.g. order.created")
	tail.Flags().StringVar(&kind, "entity", "", "only this entity kind, e.g. order")
	lg.AddCommand(tail)
	return lg
}

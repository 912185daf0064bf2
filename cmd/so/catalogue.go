package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/repo"
	"siteorder/internal/server"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage construction projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectAssignCmd())
	prj.AddCommand(projectThresholdCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectOptions
	var threshold string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold != "" {
				cents, err := parseFrancs(threshold)
				if err != nil {
					return err
				}
				opts.ThresholdCents = cents
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return render(p, func() {
					fmt.Printf("Created project %s (%s), orders up to %s are approved automatically\n", p.ID, p.Name, francs(p.AutoApprovalThreshold))
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Address, "address", "", "site address")
	cmd.Flags().StringVar(&threshold, "threshold", "", "auto-approval threshold in francs, e.g. 200.00")
	cmd.Flags().StringArrayVar(&opts.Workers, "assign", nil, "worker id to assign (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return render(items, func() {
					t := newTable("ID", "Name", "Address", "Auto-approve up to", "Created")
					for _, p := range items {
						t.AppendRow(table.Row{p.ID, p.Name, p.Address, francs(p.AutoApprovalThreshold), ago(p.CreatedAt)})
					}
					t.Render()
				})
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, "SITEORDER_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set SITEORDER_PROJECT=%s in %s\n", projectID, path)
			return nil
		},
	}
}

func projectAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <worker-id>",
		Short: "Assign a worker to the current project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				if err := e.AssignWorker(ctx, p.ID, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("%s can now order for %s\n", args[0], p.ID)
				return nil
			})
		},
	}
}

func projectThresholdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threshold <francs>",
		Short: "Change the auto-approval threshold of the current project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseFrancs(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				if err := e.Repo.UpdateProjectThreshold(ctx, p.ID, cents); err != nil {
					return err
				}
				fmt.Printf("Orders for %s up to %s are now approved automatically\n", p.ID, francs(cents))
				return nil
			})
		},
	}
}

func supplierCmd() *cobra.Command {
	sup := &cobra.Command{Use: "supplier", Short: "Manage suppliers"}
	sup.AddCommand(supplierAddCmd())
	sup.AddCommand(supplierListCmd())
	sup.AddCommand(supplierRankCmd())
	return sup
}

func supplierAddCmd() *cobra.Command {
	var opts engine.SupplierOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a supplier",
		Long:  "Suppliers with a shop URL and description are suggested when the catalogue has nothing for a request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddSupplier(ctx, opts)
				if err != nil {
					return err
				}
				return render(s, func() { fmt.Printf("Added supplier %s (%s)\n", s.Name, s.ID) })
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "supplier id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "supplier name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "order email")
	cmd.Flags().StringVar(&opts.ShopURL, "shop-url", "", "online shop URL")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the supplier sells")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func supplierListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List suppliers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSuppliers(ctx)
				if err != nil {
					return err
				}
				return render(items, func() {
					t := newTable("ID", "Name", "Email", "Shop")
					for _, s := range items {
						t.AppendRow(table.Row{s.ID, s.Name, s.Email, s.ShopURL})
					}
					t.Render()
				})
			})
		},
	}
}

func supplierRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <supplier-id> <rank>",
		Short: "Set the current project's preference for a supplier (1 is best)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[1])
			if err != nil || rank < 1 {
				return fmt.Errorf("rank must be a positive number")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				return e.RankSupplier(ctx, p.ID, args[0], rank)
			})
		},
	}
}

func productCmd() *cobra.Command {
	prd := &cobra.Command{Use: "product", Short: "Manage the catalogue"}
	prd.AddCommand(productAddCmd())
	prd.AddCommand(productListCmd())
	prd.AddCommand(productAssignCmd())
	return prd
}

func productAddCmd() *cobra.Command {
	var opts engine.ProductOptions
	var price string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		Long:  "Adds a product and assigns it to the given projects, or to the current project when --assign is not set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseFrancs(price)
			if err != nil {
				return err
			}
			opts.PriceCents = cents
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(opts.Projects) == 0 {
					if p, err := activeProject(ctx, e); err == nil {
						opts.Projects = []string{p.ID}
					}
				}
				p, err := e.AddProduct(ctx, opts)
				if err != nil {
					return err
				}
				return render(p, func() {
					fmt.Printf("Added %s (%s) at %s per %s\n", p.Name, p.SKU, francs(p.PricePerUnit), p.Unit)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&opts.SKU, "sku", "", "supplier article number")
	cmd.Flags().StringVar(&opts.Name, "name", "", "product name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Unit, "unit", "piece", "unit of sale")
	cmd.Flags().StringVar(&price, "price", "0", "price per unit in francs")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category name")
	cmd.Flags().StringVar(&opts.Subcategory, "subcategory", "", "subcategory name")
	cmd.Flags().StringVar(&opts.SupplierID, "supplier", "", "supplier id")
	cmd.Flags().StringArrayVar(&opts.Projects, "assign", nil, "project id to assign (repeatable)")
	_ = cmd.MarkFlagRequired("sku")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current project's catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ProjectProducts(ctx, p.ID, limit)
				if err != nil {
					return err
				}
				return render(items, func() {
					t := newTable("ID", "SKU", "Name", "Price", "Unit", "Category")
					for _, it := range items {
						t.AppendRow(table.Row{it.ID, it.SKU, it.Name, francs(it.PricePerUnit), it.Unit, it.CategoryName})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of products")
	return cmd
}

func productAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <product-id>",
		Short: "Add an existing product to the current project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				return e.AssignProduct(ctx, p.ID, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func kitCmd() *cobra.Command {
	kit := &cobra.Command{
		Use:   "kit",
		Short: "Manage product kits",
		Long:  "A kit is a named list of products, e.g. everything needed to close one drywall level. Ordering a kit queues all of it at once.",
	}
	kit.AddCommand(kitCreateCmd())
	kit.AddCommand(kitListCmd())
	kit.AddCommand(kitOrderCmd())
	return kit
}

func kitCreateCmd() *cobra.Command {
	var opts engine.KitOptions
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a kit for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range items {
				it, err := parseKitItem(raw)
				if err != nil {
					return err
				}
				opts.Items = append(opts.Items, it)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				k, err := e.CreateKit(ctx, opts)
				if err != nil {
					return err
				}
				return render(k, func() { fmt.Printf("Created kit %s (%s) with %d products\n", k.Name, k.ID, len(k.Items)) })
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "kit name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&items, "item", nil, "product-id:quantity (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func kitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List kits of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := activeProject(ctx, e)
				if err != nil {
					return err
				}
				kits, err := e.Repo.ListKits(ctx, p.ID)
				if err != nil {
					return err
				}
				return render(kits, func() {
					t := newTable("ID", "Name", "Products", "Created")
					for _, k := range kits {
						t.AppendRow(table.Row{k.ID, k.Name, len(k.Items), ago(k.CreatedAt)})
					}
					t.Render()
				})
			})
		},
	}
}

func kitOrderCmd() *cobra.Command {
	var notes, priority string
	cmd := &cobra.Command{
		Use:   "order <kit-id>",
		Short: "Submit a kit order, queueing it when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := activeWorker()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.KitOrder(ctx, args[0], worker, notes, domain.Priority(priority))
				if err != nil {
					return err
				}
				return placeOrder(ctx, e, worker, o)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "order notes")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "normal or urgent")
	return cmd
}

func workerCmd() *cobra.Command {
	wrk := &cobra.Command{Use: "worker", Short: "Manage worker credentials"}
	keys := &cobra.Command{Use: "key", Short: "Manage device API keys"}
	keys.AddCommand(workerKeyCreateCmd())
	keys.AddCommand(workerKeyListCmd())
	keys.AddCommand(workerKeyRevokeCmd())
	wrk.AddCommand(keys)
	wrk.AddCommand(workerTokenCmd())
	return wrk
}

func workerKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <worker-id>",
		Short: "Create an API key for a worker's device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureWorker(ctx, nil, args[0], "", now); err != nil {
					return err
				}
				secret := "so_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{ID: uuid.NewString(), WorkerID: args[0], Name: name, KeyHash: repo.HashAPIKey(secret), CreatedAt: now}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "workerId": key.WorkerID, "key": secret}
				return render(out, func() {
					fmt.Printf("API key for %s (shown once): %s\n", key.WorkerID, secret)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "device label")
	return cmd
}

func workerKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [worker-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var worker string
			if len(args) == 1 {
				worker = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, worker)
				if err != nil {
					return err
				}
				return render(keys, func() {
					t := newTable("ID", "Worker", "Name", "Created")
					for _, k := range keys {
						t.AppendRow(table.Row{k.ID, k.WorkerID, k.Name, ago(k.CreatedAt)})
					}
					t.Render()
				})
			})
		},
	}
}

func workerKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func workerTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <worker-id>",
		Short: "Mint a bearer token signed with SITEORDER_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, exp, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			out := map[string]string{"token": token, "expiresAt": exp.UTC().Format(time.RFC3339)}
			return render(out, func() { fmt.Println(token) })
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// parseFrancs reads "12.90" into 1290 cents.
func parseFrancs(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "CHF"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return int64(math.Round(v * 100)), nil
}

func parseKitItem(raw string) (domain.KitItem, error) {
	id, qty := raw, 1
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		n, err := strconv.Atoi(raw[i+1:])
		if err != nil || n < 1 {
			return domain.KitItem{}, fmt.Errorf("invalid quantity in %q", raw)
		}
		id, qty = raw[:i], n
	}
	if strings.TrimSpace(id) == "" {
		return domain.KitItem{}, fmt.Errorf("product id missing in %q", raw)
	}
	return domain.KitItem{ProductID: strings.TrimSpace(id), Quantity: qty}, nil
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

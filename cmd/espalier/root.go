package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// Document is the CLI's view of a stored document: any JSON object.
type Document = map[string]any

// app carries the state shared by the commands of one invocation.
type app struct {
	cfg    Config
	logger *zap.Logger
	inst   *model.Instance
	docs   *model.CollectionModel[Document, string]

	lookupEnv func(string) (string, bool)
	stdin     io.Reader
	connect   func(ctx context.Context, cfg Config, logger *slog.Logger) (*store.Cluster, error)
}

func newApp() *app {
	return &app{
		lookupEnv: os.LookupEnv,
		stdin:     os.Stdin,
		connect:   connectCluster,
	}
}

func connectCluster(ctx context.Context, cfg Config, logger *slog.Logger) (*store.Cluster, error) {
	sc := store.DefaultConfig()
	sc.TransactionAttempts = cfg.Transaction.Attempts
	sc.TransactionTimeout = cfg.Transaction.Timeout
	sc.Logger = logger
	return store.Connect(ctx, cfg.Connection, store.ConnectOptions{
		Username: cfg.Username,
		Password: cfg.Password,
		Region:   cfg.Region,
		Config:   sc,
	})
}

type rootFlags struct {
	configPath string
	verbose    bool

	connection string
	region     string
	username   string
	password   string
	bucket     string
	scope      string
	collection string
	docType    string
}

func newRootCmd(a *app) *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "espalier",
		Short: "Read and write espalier documents in DynamoDB",
		Long: `espalier works with JSON documents stored by the espalier model layer.
Documents are addressed by bucket (table), scope, collection and ID, and carry
id, _type, createdAt and updatedAt fields managed on every write.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, &flags)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default ./espalier.yaml if present)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&flags.connection, "connection", "", "Connection string, e.g. dynamodb://localhost:8000?tls=false")
	pf.StringVar(&flags.region, "region", "", "AWS region")
	pf.StringVar(&flags.username, "username", "", "Access key ID")
	pf.StringVar(&flags.password, "password", "", "Secret access key")
	pf.StringVarP(&flags.bucket, "bucket", "b", "", "Bucket (table) name")
	pf.StringVarP(&flags.scope, "scope", "s", "", "Scope name")
	pf.StringVarP(&flags.collection, "collection", "c", "", "Collection name")
	pf.StringVarP(&flags.docType, "type", "t", "", "Document type tag")

	cmd.AddCommand(
		newGetCmd(a),
		newInsertCmd(a),
		newUpsertCmd(a),
		newPatchCmd(a),
		newRemoveCmd(a),
		newTouchCmd(a),
		newQueryCmd(a),
		newListCmd(a),
	)
	return cmd
}

// setup resolves the configuration and opens the connection.
func (a *app) setup(cmd *cobra.Command, flags *rootFlags) error {
	cfg := defaultConfig()

	path, required := flags.configPath, true
	if path == "" {
		path, required = "espalier.yaml", false
		if v, ok := a.lookupEnv("ESPALIER_CONFIG"); ok {
			path, required = v, true
		}
	}
	if err := loadConfigFile(&cfg, path, required); err != nil {
		return err
	}
	if err := applyEnv(&cfg, a.lookupEnv); err != nil {
		return err
	}

	pf := cmd.Flags()
	overlay := map[string]*string{
		"connection": &cfg.Connection,
		"region":     &cfg.Region,
		"username":   &cfg.Username,
		"password":   &cfg.Password,
		"bucket":     &cfg.Bucket,
		"scope":      &cfg.Scope,
		"collection": &cfg.Collection,
		"type":       &cfg.Type,
	}
	for name, dst := range overlay {
		if pf.Changed(name) {
			*dst, _ = pf.GetString(name)
		}
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	slogger := newSlogLogger(logger)

	cluster, err := a.connect(cmd.Context(), cfg, slogger)
	if err != nil {
		return err
	}
	a.inst = model.NewInstance(cluster)

	docCfg, err := model.NewConfig(model.Options[Document, string]{
		Schema: schema.Of[Document](),
		Type:   cfg.Type,
	})
	if err != nil {
		return err
	}
	a.docs = model.New(a.inst, docCfg, cfg.keyspace())

	logger.Debug("connected",
		zap.String("keyspace", cfg.keyspace().String()),
		zap.String("type", cfg.Type),
	)
	return nil
}

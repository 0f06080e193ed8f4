package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/store"
)

func newGetCmd(a *app) *cobra.Command {
	var path string
	var meta bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a document as JSON",
		Long: `Print a document as JSON. --path selects part of it with a GJSON path,
e.g. --path address.city or --path 'tags.#'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.docs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			body, err := doc.Parse()
			if err != nil {
				return err
			}
			if meta {
				out := map[string]any{"cas": doc.Cas().String(), "content": body}
				if exp := doc.ExpiresAt(); !exp.IsZero() {
					out["expiresAt"] = exp.UTC().Format(time.RFC3339)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if path == "" {
				return writeJSON(cmd.OutOrStdout(), body)
			}

			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			res := gjson.GetBytes(raw, path)
			if !res.Exists() {
				return fmt.Errorf("path %q not found in %s", path, args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Raw)
			return err
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "GJSON path to print")
	cmd.Flags().BoolVar(&meta, "meta", false, "Wrap the content with its CAS and expiry")
	return cmd
}

type writeFlags struct {
	data   string
	file   string
	expiry time.Duration
}

func (f *writeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "Document JSON")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Read the document JSON from a file, - for stdin")
	cmd.Flags().DurationVar(&f.expiry, "expiry", 0, "Expire the document after this duration")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
}

func (f *writeFlags) document(stdin io.Reader) (Document, error) {
	var raw []byte
	switch {
	case f.data != "":
		raw = []byte(f.data)
	case f.file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case f.file != "":
		b, err := os.ReadFile(f.file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("one of --data or --file is required")
	}
	return decodeDocument(raw)
}

func decodeDocument(raw []byte) (Document, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, errors.New("document must be a JSON object")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func newInsertCmd(a *app) *cobra.Command {
	var wf writeFlags
	var newID bool

	cmd := &cobra.Command{
		Use:   "insert [id]",
		Short: "Create a document",
		Long:  `Create a document. Fails if the ID is taken. --new-id generates a random ID.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			switch {
			case newID && len(args) == 0:
				id = uuid.NewString()
			case !newID && len(args) == 1:
				id = args[0]
			default:
				return errors.New("give either an id or --new-id")
			}
			body, err := wf.document(a.stdin)
			if err != nil {
				return err
			}
			doc, err := a.docs.Insert(cmd.Context(), id, body, &store.InsertOptions{Expiry: store.ExpireAfter(wf.expiry)})
			if err != nil {
				return err
			}
			return a.printMutation(cmd, id, doc.Cas())
		},
	}
	wf.register(cmd)
	cmd.Flags().BoolVar(&newID, "new-id", false, "Generate a random ID")
	return cmd
}

func newUpsertCmd(a *app) *cobra.Command {
	var wf writeFlags
	var preserveExpiry bool

	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or overwrite a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := wf.document(a.stdin)
			if err != nil {
				return err
			}
			doc, err := a.docs.Upsert(cmd.Context(), args[0], body, &store.UpsertOptions{
				Expiry:         store.ExpireAfter(wf.expiry),
				PreserveExpiry: preserveExpiry,
			})
			if err != nil {
				return err
			}
			return a.printMutation(cmd, args[0], doc.Cas())
		},
	}
	wf.register(cmd)
	cmd.Flags().BoolVar(&preserveExpiry, "preserve-expiry", false, "Keep the expiry of an existing document")
	return cmd
}

func newPatchCmd(a *app) *cobra.Command {
	var sets []string
	var deletes []string
	var retries int
	var preserveUpdatedAt bool

	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Edit fields of a document",
		Long: `Edit fields of a document in place. Each --set takes path=value where value
is JSON, or a plain string when it is not valid JSON. Paths use SJSON syntax.
The document is rewritten with the CAS it was read with; a concurrent change
restarts the edit, up to --retries times.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) == 0 && len(deletes) == 0 {
				return errors.New("nothing to patch: give --set or --delete")
			}
			var opts *model.ReplaceOptions
			if preserveUpdatedAt {
				opts = &model.ReplaceOptions{PreserveUpdatedAt: model.Preserve(true)}
			}

			ctx := cmd.Context()
			for attempt := 1; ; attempt++ {
				doc, err := a.docs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				body, err := doc.Parse()
				if err != nil {
					return err
				}
				patched, err := applyPatch(body, sets, deletes)
				if err != nil {
					return err
				}

				err = doc.Replace(ctx, patched, opts)
				if err == nil {
					return a.printMutation(cmd, args[0], doc.Cas())
				}
				if !store.IsCasMismatch(err) || attempt > retries {
					return err
				}
				a.logger.Debug("document changed during patch, retrying",
					zap.String("id", args[0]),
					zap.Int("attempt", attempt),
				)
			}
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set path=value (repeatable)")
	cmd.Flags().StringArrayVar(&deletes, "delete", nil, "Delete path (repeatable)")
	cmd.Flags().IntVar(&retries, "retries", 3, "Retries on concurrent modification")
	cmd.Flags().BoolVar(&preserveUpdatedAt, "preserve-updated-at", false, "Keep the updatedAt field")
	return cmd
}

// applyPatch applies sjson edits to a document.
func applyPatch(body Document, sets, deletes []string) (Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	for _, s := range sets {
		path, value, ok := strings.Cut(s, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --set %q: want path=value", s)
		}
		if gjson.Valid(value) {
			raw, err = sjson.SetRawBytes(raw, path, []byte(value))
		} else {
			raw, err = sjson.SetBytes(raw, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", path, err)
		}
	}
	for _, path := range deletes {
		if raw, err = sjson.DeleteBytes(raw, path); err != nil {
			return nil, fmt.Errorf("delete %s: %w", path, err)
		}
	}
	return decodeDocument(raw)
}

func newRemoveCmd(a *app) *cobra.Command {
	var cas string

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a document",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &store.RemoveOptions{}
			if cas != "" {
				c, err := store.ParseCas(cas)
				if err != nil {
					return err
				}
				opts.Cas = c
			}
			res, err := a.docs.Remove(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return a.printMutation(cmd, args[0], res.Cas)
		},
	}
	cmd.Flags().StringVar(&cas, "cas", "", "Only remove if the document still has this CAS")
	return cmd
}

func newTouchCmd(a *app) *cobra.Command {
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "touch <id>",
		Short: "Set or clear the expiry of a document",
		Long:  `Set the expiry of a document. --expiry 0 clears it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.docs.Touch(cmd.Context(), args[0], store.ExpireAfter(expiry))
			if err != nil {
				return err
			}
			return a.printMutation(cmd, args[0], res.Cas)
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Expire the document after this duration")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}

func (a *app) printMutation(cmd *cobra.Command, id string, cas store.Cas) error {
	return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id, "cas": cas.String()})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

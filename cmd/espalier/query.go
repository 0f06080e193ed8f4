package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/spf13/cobra"

	"github.com/jacentio/espalier/store"
)

func newQueryCmd(a *app) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run a PartiQL SELECT and print the rows",
		Long: `Run a PartiQL statement and print each row as a JSON object.
Each --param fills the next ? placeholder; values are JSON, or plain strings
when not valid JSON.`,
		Example: `  espalier query -b app 'SELECT "doc" FROM "app" WHERE begins_with("pk", ?)' --param tenant/users/`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]any, len(params))
			for i, p := range params {
				values[i] = p
				var v any
				if err := json.Unmarshal([]byte(p), &v); err == nil {
					values[i] = v
				}
			}

			res, err := a.inst.Query(cmd.Context(), args[0], &store.QueryOptions{Parameters: values})
			if err != nil {
				return err
			}
			for i, row := range res.Rows {
				var out map[string]any
				if err := attributevalue.UnmarshalMap(row, &out); err != nil {
					return fmt.Errorf("row %d: %w", i, err)
				}
				line, err := json.Marshal(out)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(line)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "Statement parameter (repeatable)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the live documents of the collection",
		Long: `Print every unexpired document of the collection as one JSON object per
line, sorted by key. The whole bucket table is scanned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.docs.Collection().List(cmd.Context(), &store.ListOptions{Limit: limit})
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

			for _, e := range entries {
				var content any
				if err := attributevalue.Unmarshal(e.Content, &content); err != nil {
					return fmt.Errorf("%s: %w", e.Key, err)
				}
				out := map[string]any{"key": e.Key, "cas": e.Cas.String(), "content": content}
				if !e.ExpiresAt.IsZero() {
					out["expiresAt"] = e.ExpiresAt.UTC().Format(time.RFC3339)
				}
				line, err := json.Marshal(out)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(line)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many documents (0 for all)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func newKeyCmd() *cobra.Command {
	var response bool

	cmd := &cobra.Command{
		Use:   "key <namespace|path> [params]",
		Short: "Print the cache key for a query or an HTTP request",
		Long: "Print the cache key the query cache uses for a namespace and JSON parameters,\n" +
			"or with --response the response cache key for a path and a query string.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}

			var key string
			var err error
			if response {
				key = responseKey(args[0], raw)
			} else {
				key, err = queryKey(args[0], raw)
			}
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}

	cmd.Flags().BoolVarP(&response, "response", "r", false, "treat the arguments as a request path and query string")
	return cmd
}

func queryKey(namespace, raw string) (string, error) {
	var params keycodec.Params
	if raw != "" {
		if err := utils.Unmarshal([]byte(raw), &params); err != nil {
			return "", types.Errorf(types.ErrInvalidParameter, "params must be a JSON object: %v", err)
		}
	}

	return keycodec.Encode(namespace, params)
}

func responseKey(path, rawQuery string) string {
	var args fasthttp.Args
	args.Parse(rawQuery)

	query := make(map[string][]string, args.Len())
	args.VisitAll(func(name, value []byte) {
		query[string(name)] = append(query[string(name)], string(value))
	})

	return keycodec.EncodeResponse(path, query)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentgate-io/agentgate/internal/domain/auth"
)

var hashKeyArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an admin API key",
	Long: `Generate a hash of an admin API key for use in config.

By default the output is "sha256:<hex>"; with --argon2id it is a PHC-format
Argon2id hash. Either form can be used in the admin.api_keys list.

Example:
  agentgate hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

  agentgate hash-key --argon2id "my-secret-api-key"
  # Output: $argon2id$v=19$m=47104,t=1,p=1$...

Security note: the key will appear in shell history. Consider clearing
history after use or passing an environment variable:
  agentgate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2id {
			hash, err := auth.HashKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Printf("sha256:%s\n", auth.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2id, "argon2id", false, "Emit an Argon2id PHC hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().Int64Var(&loginUserID, "user", 0, "numeric id of the account")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "display username")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Waveline configuration",
	Long:  "View or modify the Waveline CLI configuration stored in ~/.waveline/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'waveline login <token> --user <id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: waveline config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var (
	loginUserID   int64
	loginUsername string
)

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store session credentials",
	Long:  "Store the session token and account id in ~/.waveline/config.toml.\nExample: waveline login wl-token-... --user 42",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUserID == 0 {
			return fmt.Errorf("--user is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = loginUserID
		if loginUsername != "" {
			cfg.Auth.Username = loginUsername
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged in as user " + strconv.FormatInt(loginUserID, 10))
		return nil
	},
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shopfloor.dev/internal/app"
	"shopfloor.dev/internal/audit"
	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/ids"
)

func newUsersCommand(ctx *commandContext) *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Provision and administer users",
	}
	usersCmd.AddCommand(newUsersAddCommand(ctx))
	usersCmd.AddCommand(newUsersListCommand(ctx))
	usersCmd.AddCommand(newUsersActiveCommand(ctx, "activate", true))
	usersCmd.AddCommand(newUsersActiveCommand(ctx, "deactivate", false))
	usersCmd.AddCommand(newUsersPermissionsCommand(ctx))
	return usersCmd
}

func newUsersAddCommand(ctx *commandContext) *cobra.Command {
	var (
		in            auth.NewUser
		role          string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Username = args[0]
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			in.Role = r
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				in.Password = strings.TrimRight(line, "\r\n")
			}
			if in.Password == "" {
				return errors.New("a password is required (--password or --password-stdin)")
			}
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				user, err := svc.Auth.Provision(cmd.Context(), in)
				if err != nil {
					return err
				}
				_ = audit.LogEvent(cmd.Context(), "users.created", map[string]any{
					"target_user_id": user.ID,
					"username":       user.Username,
					"role":           string(user.Role),
					"via":            "shopfloorctl",
				})
				return emitUsers(cmd, ctx, user, user)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&role, "role", string(auth.RoleOperator), "Role: operator, supervisor, management or admin")
	flags.StringVar(&in.Password, "password", "", "Initial password")
	flags.BoolVar(&passwordStdin, "password-stdin", false, "Read the initial password from stdin")
	flags.StringVar(&in.DisplayName, "display-name", "", "Display name")
	flags.StringVar(&in.Email, "email", "", "Email address")
	flags.StringSliceVar(&in.Permissions, "permission", nil, "Explicit permission (repeatable; prefix with deny: to deny)")
	flags.StringVar(&in.Department, "department", "", "Department")
	flags.StringVar(&in.MachineType, "machine-type", "", "Machine type")
	flags.StringSliceVar(&in.Skills, "skill", nil, "Skill (repeatable)")
	return cmd
}

func newUsersListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				users, err := svc.Auth.Users(cmd.Context())
				if err != nil {
					return err
				}
				if users == nil {
					users = []auth.User{}
				}
				return emitUsers(cmd, ctx, users, users...)
			})
		},
	}
}

func newUsersActiveCommand(ctx *commandContext, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id|username>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				target, err := resolveUser(cmd.Context(), svc.Auth, args[0])
				if err != nil {
					return err
				}
				user, err := svc.Auth.SetActive(cmd.Context(), target.ID, active)
				if err != nil {
					return err
				}
				_ = audit.LogEvent(cmd.Context(), "users.active", map[string]any{
					"target_user_id": user.ID,
					"active":         user.Active,
					"via":            "shopfloorctl",
				})
				return emitUsers(cmd, ctx, user, user)
			})
		},
	}
}

func newUsersPermissionsCommand(ctx *commandContext) *cobra.Command {
	var perms []string
	cmd := &cobra.Command{
		Use:   "permissions <id|username>",
		Short: "Replace a user's explicit permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				target, err := resolveUser(cmd.Context(), svc.Auth, args[0])
				if err != nil {
					return err
				}
				user, err := svc.Auth.SetPermissions(cmd.Context(), target.ID, perms)
				if err != nil {
					return err
				}
				_ = audit.LogEvent(cmd.Context(), "users.permissions", map[string]any{
					"target_user_id": user.ID,
					"permissions":    user.Permissions,
					"via":            "shopfloorctl",
				})
				return emitUsers(cmd, ctx, user, user)
			})
		},
	}
	cmd.Flags().StringSliceVar(&perms, "set", nil, "Permissions to set; omit to clear")
	return cmd
}

func resolveUser(ctx context.Context, svc *auth.Service, ref string) (auth.User, error) {
	if strings.HasPrefix(ref, ids.User+"_") {
		return svc.User(ctx, ref)
	}
	return svc.UserByUsername(ctx, ref)
}

func emitUsers(cmd *cobra.Command, c *commandContext, payload any, users ...auth.User) error {
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		last := "-"
		if u.LastLoginAt != nil {
			last = u.LastLoginAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			u.ID,
			u.Username,
			string(u.Role),
			fmt.Sprintf("%t", u.Active),
			strings.Join(u.Permissions, ","),
			last,
		})
	}
	return emit(cmd, c, payload, []string{"ID", "Username", "Role", "Active", "Permissions", "Last login"}, rows, nil)
}

package bot

import (
	"testing"

	"pgregory.net/rapid"

	"vpn-shop-bot/internal/config"
	"vpn-shop-bot/internal/model"
)

func drawAdmins(t *rapid.T) ([]int64, map[int64]bool) {
	numAdmins := rapid.IntRange(1, 10).Draw(t, "numAdmins")
	adminIDs := make([]int64, numAdmins)
	adminSet := make(map[int64]bool)
	for i := 0; i < numAdmins; i++ {
		adminIDs[i] = rapid.Int64Range(1, 1000000000).Draw(t, "adminID")
		adminSet[adminIDs[i]] = true
	}
	return adminIDs, adminSet
}

// TestAdminPermissionCheckProperty: a user is a configured admin if and only
// if their id is in admin.ids.
func TestAdminPermissionCheckProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		adminIDs, adminSet := drawAdmins(t)
		cfg := &config.Config{Admin: config.AdminConfig{IDs: adminIDs}}

		userID := rapid.Int64Range(1, 1000000000).Draw(t, "userID")
		if got := cfg.IsAdmin(userID); got != adminSet[userID] {
			t.Fatalf("Admin check mismatch: userID=%d, adminIDs=%v, expected=%v, got=%v",
				userID, adminIDs, adminSet[userID], got)
		}
	})
}

// TestResolveActorProperty checks how stored flags and config combine:
//   - configured admins always resolve, as admins;
//   - other banned users never resolve;
//   - otherwise IsAdmin follows the stored flag.
func TestResolveActorProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		adminIDs, adminSet := drawAdmins(t)
		cfg := &config.Config{Admin: config.AdminConfig{IDs: adminIDs}}

		var userID int64
		if rapid.Bool().Draw(t, "pickConfiguredAdmin") {
			userID = adminIDs[rapid.IntRange(0, len(adminIDs)-1).Draw(t, "adminIndex")]
		} else {
			userID = rapid.Int64Range(1, 1000000000).Draw(t, "userID")
		}
		user := &model.User{
			TelegramID: userID,
			IsAdmin:    rapid.Bool().Draw(t, "storedAdmin"),
			IsBanned:   rapid.Bool().Draw(t, "banned"),
		}

		actor, ok := resolveActor(cfg, user)

		switch {
		case adminSet[userID]:
			if !ok || !actor.IsAdmin {
				t.Fatalf("configured admin %d resolved to %+v, ok=%v", userID, actor, ok)
			}
		case user.IsBanned:
			if ok {
				t.Fatalf("banned user %d resolved to %+v", userID, actor)
			}
		default:
			if !ok || actor.IsAdmin != user.IsAdmin {
				t.Fatalf("user %+v resolved to %+v, ok=%v", user, actor, ok)
			}
		}
		if ok && actor.UserID != userID {
			t.Fatalf("actor id %d, want %d", actor.UserID, userID)
		}
	})
}

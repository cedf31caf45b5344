package allowance_test

import (
	"context"
	"log"
	"log/slog"
	"testing"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/store/memory"
)

// TestDocumentationExamples verifies that the package documentation examples
// work as written.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		engine := allowance.New(store,
			allowance.WithLogger(slog.Default()),
			allowance.WithCalendar(calendar.Default()),
			allowance.WithPlanTable(plan.DefaultTable()),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		err := engine.ProvisionUser(ctx, &entitlement.UserEntitlement{
			UserID: "user_123",
			Role:   entitlement.RoleMember,
			Plan:   plan.Trial,
			Status: entitlement.StatusActive,
		})
		if err != nil {
			t.Fatal(err)
		}

		res, err := engine.TryConsume(ctx, "user_123", "summarize", 3)
		if err != nil {
			t.Fatal(err)
		}

		if res.Granted {
			log.Printf("granted, %d tokens left today\n", res.Remaining)
		} else {
			log.Printf("denied: %s\n", res.Denial.Title)
		}

		if !res.Granted || res.Remaining != 7 {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("DenialExample", func(t *testing.T) {
		d := allowance.DenialFor(allowance.ReasonTrialExpired, calendar.Default().NextReset(nowForDocs()))
		if d.Action != allowance.ActionUpgrade || d.Title == "" {
			t.Errorf("denial = %+v", d)
		}
	})
}

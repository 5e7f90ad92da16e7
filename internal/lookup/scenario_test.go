package lookup

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/internal/floodcontrol"
	"github.com/MarkoPoloResearchLab/quotabot/internal/lookupclient"
	"github.com/MarkoPoloResearchLab/quotabot/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var scenarioDatabaseCounter atomic.Int64

func newScenarioService(test *testing.T, clock *manualClock) *quota.Service {
	test.Helper()
	dsn := fmt.Sprintf("file:lookup_scenario_%d?mode=memory&cache=shared", scenarioDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := quota.NewService(gormstore.New(db), clock.Now, quota.WithLocation(time.UTC))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func TestReferralAndLookupScenario(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	clock := &manualClock{now: scenarioMoment}
	service := newScenarioService(test, clock)
	orchestrator, err := New(Config{
		Accounts: service,
		Oracle:   &fakeOracle{isMember: true},
		Upstream: &fakeUpstream{response: lookupclient.Response{StatusCode: http.StatusOK, Body: lookupPayload}},
		Guard:    floodcontrol.NewMemoryGuard(floodcontrol.DefaultInterval),
		Now:      clock.Now,
	})
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	first := mustUserID(test, 42)

	if _, err := service.Register(ctx, first, ""); err != nil {
		test.Fatalf("register 42: %v", err)
	}
	assertProfile(test, service, first, 10, 0)

	if result := orchestrator.Lookup(ctx, first, lookupQuery); result.Outcome != OutcomeSuccess {
		test.Fatalf("first lookup outcome=%s", result.Outcome)
	}
	assertProfile(test, service, first, 9, 0)

	result := orchestrator.Lookup(ctx, first, lookupQuery)
	if result.Outcome != OutcomeRateLimited || result.RetryAfterSeconds != 30 {
		test.Fatalf("second lookup: %+v", result)
	}

	if _, err := service.Register(ctx, mustUserID(test, 7), "42"); err != nil {
		test.Fatalf("register 7: %v", err)
	}
	assertProfile(test, service, first, 10, 1)

	history, err := service.History(ctx, first, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Query() != lookupQuery || history[0].CreditsAfter() != 9 {
		test.Fatalf("unexpected history: %+v", history)
	}

	clock.Advance(24 * time.Hour)
	assertProfile(test, service, first, 10, 1)
}

func assertProfile(test *testing.T, service *quota.Service, userID quota.UserID, credits quota.Credits, referrals int64) {
	test.Helper()
	account, err := service.Profile(context.Background(), userID)
	if err != nil {
		test.Fatalf("profile: %v", err)
	}
	if account.Credits() != credits || account.Referrals() != referrals {
		test.Fatalf("profile credits=%d referrals=%d, want %d/%d", account.Credits(), account.Referrals(), credits, referrals)
	}
}

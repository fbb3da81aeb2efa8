package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/teslink/internal/models"
)

// newTestDB 连接 TEST_DATABASE_URL 指向的数据库，未设置时跳过
func newTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	_, err = db.Pool.Exec(ctx, `TRUNCATE vehicles, account_links, external_identities, users`)
	require.NoError(t, err)
	return db
}

func seedUser(t *testing.T, db *DB, id string) {
	t.Helper()
	_, err := db.Pool.Exec(context.Background(), `INSERT INTO users (id, email) VALUES ($1, $2)`, id, id+"@example.com")
	require.NoError(t, err)
}

func activeLink(accountID string, linkedAt time.Time) *models.AccountLink {
	return &models.AccountLink{
		ExternalAccountID:     accountID,
		Active:                true,
		EncryptedAccessToken:  "enc-access",
		EncryptedRefreshToken: "enc-refresh",
		TokenExpiresAt:        linkedAt.Add(8 * time.Hour),
		LinkedAt:              linkedAt,
	}
}

func TestUnitOfWork_LinkUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "user-a")
	uow := NewUnitOfWork(db)
	users := NewUserRepository(db)

	linkedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{
		UserID: "user-a",
		Link:   activeLink("account-a", linkedAt),
		Identity: &models.ExternalIdentity{
			ID: "identity-1", UserID: "user-a", Provider: "tesla", Subject: "account-a", CreatedAt: linkedAt,
		},
	}))

	user, err := users.GetByID(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, user.Link.Active)
	assert.Equal(t, "account-a", user.Link.ExternalAccountID)
	assert.Equal(t, "enc-refresh", user.Link.EncryptedRefreshToken)
	assert.True(t, user.Link.LinkedAt.Equal(linkedAt))
	assert.True(t, user.Link.LastSyncedAt.IsZero())

	// 同一账户再次提交覆盖原记录
	unlinked := *activeLink("account-a", linkedAt)
	unlinked.Active = false
	unlinked.EncryptedAccessToken = ""
	unlinked.EncryptedRefreshToken = ""
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-a", Link: &unlinked}))

	user, err = users.GetByID(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, user.Link.Active)
	assert.Empty(t, user.Link.EncryptedAccessToken)
	assert.Empty(t, user.Link.EncryptedRefreshToken)

	var count int
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT count(*) FROM account_links WHERE user_id = $1`, "user-a").Scan(&count))
	assert.Equal(t, 1, count)

	identity, err := NewIdentityRepository(db).Get(ctx, "user-a", "tesla", "account-a")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "identity-1", identity.ID)
}

func TestUnitOfWork_SyncTimeSkipsInactiveLink(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "user-a")
	uow := NewUnitOfWork(db)
	users := NewUserRepository(db)

	linkedAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	link := activeLink("account-a", linkedAt)
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-a", Link: link}))

	syncedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{
		UserID: "user-a",
		Synced: &models.LinkSync{AccountID: "account-a", SyncedAt: syncedAt},
	}))
	user, err := users.GetByID(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, user.Link.LastSyncedAt.Equal(syncedAt))
	assert.Equal(t, "enc-access", user.Link.EncryptedAccessToken)

	// 解除关联后的同步结果只写入车辆，不恢复关联
	unlinked := *link
	unlinked.Active = false
	unlinked.EncryptedAccessToken = ""
	unlinked.EncryptedRefreshToken = ""
	unlinked.LastSyncedAt = syncedAt
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-a", Link: &unlinked}))

	later := syncedAt.Add(time.Minute)
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{
		UserID: "user-a",
		Synced: &models.LinkSync{AccountID: "account-a", SyncedAt: later},
		CreatedVehicles: []*models.VehicleRecord{{
			ID: "veh-1", AccountID: "account-a", VehicleID: "VIN0001", Active: true, LinkedAt: later, LastSyncedAt: later,
		}},
	}))

	user, err = users.GetByID(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, user.Link.Active)
	assert.Empty(t, user.Link.EncryptedAccessToken)
	assert.True(t, user.Link.LastSyncedAt.Equal(syncedAt))

	records, err := NewVehicleRepository(db).ListByAccount(ctx, "account-a")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUnitOfWork_ForeignVehicleUpdateRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	uow := NewUnitOfWork(db)
	vehicles := NewVehicleRepository(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	name := "B's car"
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{
		CreatedVehicles: []*models.VehicleRecord{{
			ID: "veh-b", AccountID: "account-b", VehicleID: "SHAREDVIN", DisplayName: &name,
			Active: true, LinkedAt: now, LastSyncedAt: now,
		}},
	}))

	renamed := "A's car"
	err := uow.Commit(ctx, &models.ChangeSet{
		CreatedVehicles: []*models.VehicleRecord{{
			ID: "veh-a", AccountID: "account-a", VehicleID: "VIN0002", Active: true, LinkedAt: now, LastSyncedAt: now,
		}},
		UpdatedVehicles: []*models.VehicleRecord{{
			ID: "veh-b", AccountID: "account-a", VehicleID: "SHAREDVIN", DisplayName: &renamed, LastSyncedAt: now,
		}},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	// 整个变更集回滚
	recordsA, err := vehicles.ListByAccount(ctx, "account-a")
	require.NoError(t, err)
	assert.Empty(t, recordsA)

	shared, err := vehicles.FindByVehicleID(ctx, "SHAREDVIN")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, "account-b", shared[0].AccountID)
	assert.Equal(t, "B's car", *shared[0].DisplayName)
}

func TestUserRepository_CurrentLinkSelection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedUser(t, db, "user-a")
	seedUser(t, db, "user-b")
	seedUser(t, db, "user-c")
	uow := NewUnitOfWork(db)
	users := NewUserRepository(db)

	base := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)

	// user-a: 旧账户已解除，新账户 active
	old := activeLink("account-old", base)
	old.Active = false
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-a", Link: old}))
	require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-a", Link: activeLink("account-new", base.Add(-time.Hour))}))

	// user-b: 两条都已解除，取最近一次关联
	for i, accountID := range []string{"account-b1", "account-b2"} {
		link := activeLink(accountID, base.Add(time.Duration(i)*time.Hour))
		link.Active = false
		require.NoError(t, uow.Commit(ctx, &models.ChangeSet{UserID: "user-b", Link: link}))
	}

	userA, err := users.GetByID(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "account-new", userA.Link.ExternalAccountID)
	assert.True(t, userA.Link.Active)

	userB, err := users.GetByID(ctx, "user-b")
	require.NoError(t, err)
	assert.Equal(t, "account-b2", userB.Link.ExternalAccountID)
	assert.False(t, userB.Link.Active)

	userC, err := users.GetByID(ctx, "user-c")
	require.NoError(t, err)
	assert.Equal(t, models.AccountLink{}, userC.Link)

	_, err = users.GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	linked, err := users.ListLinked(ctx)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "user-a", linked[0].ID)
	assert.Equal(t, "account-new", linked[0].Link.ExternalAccountID)
	assert.Equal(t, "enc-access", linked[0].Link.EncryptedAccessToken)
}

func TestIdentityRepository_GetMissing(t *testing.T) {
	db := newTestDB(t)
	seedUser(t, db, "user-a")

	identity, err := NewIdentityRepository(db).Get(context.Background(), "user-a", "tesla", "nobody")
	require.NoError(t, err)
	assert.Nil(t, identity)
}

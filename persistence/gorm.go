package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const codeAllocationAttempts = 10

type GormPersist struct {
	db *gorm.DB
}

func NewPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Participant{}, &types.Message{}, &types.ReadReceipt{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// translate maps gorm errors onto the shared taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return types.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return types.ErrConflict
	}
	return err
}

func (p *GormPersist) StoreUser(ctx context.Context, user *types.User) error {
	if user.Id == "" {
		user.Id = uuid.NewString()
	}
	return translate(p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(user).Error)
}

func (p *GormPersist) GetUser(ctx context.Context, id string) (*types.User, error) {
	user := types.User{}
	err := p.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	user := types.User{}
	err := p.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) SetUserOnline(ctx context.Context, id string, online bool) error {
	res := p.db.WithContext(ctx).Model(&types.User{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_online": online, "last_seen": time.Now()})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.Id == "" {
		room.Id = uuid.NewString()
	}
	if room.MaxParticipants == 0 {
		room.MaxParticipants = types.DefaultMaxParticipants
	}
	if room.MaxParticipants < types.MinMaxParticipants || room.MaxParticipants > types.MaxMaxParticipants {
		return fmt.Errorf("max participants out of bounds: %w", types.ErrValidation)
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = time.Now()
	}
	if room.CreatorId != "" && len(room.Participants) == 0 {
		room.Participants = []types.Participant{{
			RoomId:   room.Id,
			UserId:   room.CreatorId,
			IsOnline: false,
			Role:     types.RoleAdmin,
			JoinedAt: time.Now(),
		}}
	}
	if room.Code != "" {
		room.Code = types.NormalizeRoomCode(room.Code)
		if !types.ValidRoomCode(room.Code) {
			return fmt.Errorf("invalid room code %q: %w", room.Code, types.ErrValidation)
		}
		return translate(p.db.WithContext(ctx).Create(room).Error)
	}
	// No code given: allocate one, retrying against the unique index.
	for i := 0; i < codeAllocationAttempts; i++ {
		room.Code = types.RandomRoomCode()
		err := translate(p.db.WithContext(ctx).Create(room).Error)
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("could not allocate a unique room code: %w", types.ErrConflict)
}

func roomPreloads(db *gorm.DB) *gorm.DB {
	return db.Preload("Participants", func(db *gorm.DB) *gorm.DB {
		return db.Order("joined_at ASC")
	}).Preload("Participants.User").Preload("Creator")
}

func (p *GormPersist) FindRoomByCode(ctx context.Context, code string) (*types.Room, error) {
	room := types.Room{}
	err := roomPreloads(p.db.WithContext(ctx)).First(&room, "code = ?", types.NormalizeRoomCode(code)).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) FindRoomById(ctx context.Context, id string) (*types.Room, error) {
	room := types.Room{}
	err := roomPreloads(p.db.WithContext(ctx)).First(&room, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) GetRooms(ctx context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := roomPreloads(p.db.WithContext(ctx)).Order("last_activity DESC").Find(&rooms).Error
	return rooms, translate(err)
}

func (p *GormPersist) RoomsForUser(ctx context.Context, userId string) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := roomPreloads(p.db.WithContext(ctx)).
		Joins("JOIN participants ON participants.room_id = rooms.id").
		Where("participants.user_id = ?", userId).
		Find(&rooms).Error
	return rooms, translate(err)
}

func (p *GormPersist) DeleteRoom(ctx context.Context, code string) error {
	res := p.db.WithContext(ctx).Where("code = ?", types.NormalizeRoomCode(code)).Delete(&types.Room{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) IsParticipant(ctx context.Context, code, userId string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&types.Participant{}).
		Joins("JOIN rooms ON rooms.id = participants.room_id").
		Where("rooms.code = ? AND participants.user_id = ?", types.NormalizeRoomCode(code), userId).
		Count(&count).Error
	return count > 0, translate(err)
}

// lockRoom fetches the room row for update inside tx. Postgres takes a row
// lock so roster mutations on one room are serialized; sqlite's single writer
// gives the same guarantee without the clause.
func (p *GormPersist) lockRoom(tx *gorm.DB, code string) (*types.Room, error) {
	room := types.Room{}
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.First(&room, "code = ?", types.NormalizeRoomCode(code)).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) AddParticipant(ctx context.Context, code, userId string) (bool, error) {
	added := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := p.lockRoom(tx, code)
		if err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&types.Participant{}).
			Where("room_id = ? AND user_id = ?", room.Id, userId).
			Count(&existing).Error; err != nil {
			return translate(err)
		}
		if existing > 0 {
			return nil // already a participant, no-op
		}
		var total int64
		if err := tx.Model(&types.Participant{}).Where("room_id = ?", room.Id).Count(&total).Error; err != nil {
			return translate(err)
		}
		if total >= int64(room.MaxParticipants) {
			return types.ErrRoomFull
		}
		participant := types.Participant{
			RoomId:   room.Id,
			UserId:   userId,
			Role:     types.RoleUser,
			JoinedAt: time.Now(),
		}
		if err := tx.Create(&participant).Error; err != nil {
			return translate(err)
		}
		added = true
		return tx.Model(&types.Room{}).Where("id = ?", room.Id).
			Update("last_activity", time.Now()).Error
	})
	return added, err
}

func (p *GormPersist) RemoveParticipant(ctx context.Context, code, userId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := p.lockRoom(tx, code)
		if err != nil {
			return err
		}
		res := tx.Where("room_id = ? AND user_id = ?", room.Id, userId).Delete(&types.Participant{})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&types.Room{}).Where("id = ?", room.Id).
			Update("last_activity", time.Now()).Error
	})
}

func (p *GormPersist) SetParticipantOnline(ctx context.Context, code, userId string, online bool) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := p.lockRoom(tx, code)
		if err != nil {
			return err
		}
		// A participant may have been removed concurrently, zero rows is fine.
		return translate(tx.Model(&types.Participant{}).
			Where("room_id = ? AND user_id = ?", room.Id, userId).
			Update("is_online", online).Error)
	})
}

func (p *GormPersist) TouchActivity(ctx context.Context, code string) error {
	res := p.db.WithContext(ctx).Model(&types.Room{}).
		Where("code = ?", types.NormalizeRoomCode(code)).
		Update("last_activity", time.Now())
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) StoreMessage(ctx context.Context, msg *types.Message) error {
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return translate(p.db.WithContext(ctx).Create(msg).Error)
}

func (p *GormPersist) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	msg := types.Message{}
	err := p.db.WithContext(ctx).Preload("Sender").Preload("ReadBy").First(&msg, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (p *GormPersist) MessagesPage(ctx context.Context, roomId string, page, limit int) ([]*types.Message, error) {
	if page < 1 {
		page = 1
	}
	msgs := make([]*types.Message, 0)
	err := p.db.WithContext(ctx).Preload("Sender").Preload("ReadBy").
		Where("room_id = ?", roomId).
		Order("created_at DESC").
		Limit(limit).Offset((page - 1) * limit).
		Find(&msgs).Error
	return msgs, translate(err)
}

func (p *GormPersist) CountMessages(ctx context.Context, roomId string) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&types.Message{}).Where("room_id = ?", roomId).Count(&count).Error
	return count, translate(err)
}

func (p *GormPersist) UnreadMessages(ctx context.Context, roomId, userId string) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0)
	err := p.db.WithContext(ctx).Preload("Sender").
		Where("room_id = ? AND sender_id <> ?", roomId, userId).
		Where("id NOT IN (?)", p.db.Model(&types.ReadReceipt{}).Select("message_id").Where("user_id = ?", userId)).
		Order("created_at DESC").
		Find(&msgs).Error
	return msgs, translate(err)
}

func (p *GormPersist) AppendReadReceipts(ctx context.Context, roomId, userId string, at time.Time) ([]string, error) {
	marked := make([]string, 0)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0)
		err := tx.Model(&types.Message{}).
			Where("room_id = ? AND sender_id <> ?", roomId, userId).
			Where("id NOT IN (?)", tx.Model(&types.ReadReceipt{}).Select("message_id").Where("user_id = ?", userId)).
			Pluck("id", &ids).Error
		if err != nil {
			return translate(err)
		}
		if len(ids) == 0 {
			return nil
		}
		receipts := make([]types.ReadReceipt, 0, len(ids))
		for _, id := range ids {
			receipts = append(receipts, types.ReadReceipt{MessageId: id, UserId: userId, ReadAt: at})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts).Error; err != nil {
			return translate(err)
		}
		marked = ids
		return nil
	})
	return marked, err
}

func (p *GormPersist) UpdateMessageBody(ctx context.Context, id, body string, editedAt time.Time) error {
	res := p.db.WithContext(ctx).Model(&types.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{"body": body, "edited": true, "edited_at": editedAt})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	res := p.db.WithContext(ctx).Model(&types.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{"body": types.TombstoneBody, "deleted": true, "deleted_at": at})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := p.db.WithContext(ctx).
		Where("deleted = ? AND deleted_at < ?", true, cutoff).
		Delete(&types.Message{})
	return res.RowsAffected, translate(res.Error)
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

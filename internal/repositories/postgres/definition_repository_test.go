package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

func TestDefinitionRepository_Create(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresDefinitionRepository(db)
	ctx := context.Background()

	t.Run("正常系: 定義作成成功", func(t *testing.T) {
		def := &entities.EntityDefinition{
			Name:       "Post",
			StorageKey: "posts",
			Tier:       entities.TierPrimary,
			PageSize:   50,
			Permissions: entities.Permissions{
				entities.ActionDelete: `"admin" in subject.roles`,
			},
			EnabledFilters: []string{"title"},
			SectionTitles:  map[string]string{"main": "Content"},
		}

		if err := repo.Create(ctx, def); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if def.ID == uuid.Nil {
			t.Error("Expected a generated id")
		}

		got, err := repo.GetByID(ctx, def.ID)
		if err != nil {
			t.Fatalf("Failed to get definition: %v", err)
		}
		if got.StorageKey != "posts" || got.Tier != entities.TierPrimary || got.PageSize != 50 {
			t.Errorf("Unexpected definition: %+v", got)
		}
		if got.Permissions[entities.ActionDelete] != `"admin" in subject.roles` {
			t.Errorf("Permissions not persisted: %+v", got.Permissions)
		}
		if len(got.EnabledFilters) != 1 || got.EnabledFilters[0] != "title" {
			t.Errorf("EnabledFilters not persisted: %v", got.EnabledFilters)
		}
		if got.SectionTitles["main"] != "Content" {
			t.Errorf("SectionTitles not persisted: %v", got.SectionTitles)
		}
	})

	t.Run("異常系: storage_key重複はErrConflict", func(t *testing.T) {
		first := &entities.EntityDefinition{Name: "Article", StorageKey: "articles"}
		if err := repo.Create(ctx, first); err != nil {
			t.Fatalf("Failed to create first definition: %v", err)
		}

		dup := &entities.EntityDefinition{Name: "Other", StorageKey: "articles"}
		err := repo.Create(ctx, dup)
		if !errors.Is(err, entities.ErrConflict) {
			t.Errorf("Expected ErrConflict, got: %v", err)
		}
	})

	t.Run("異常系: 名前が空はバリデーションエラー", func(t *testing.T) {
		def := &entities.EntityDefinition{StorageKey: "nameless"}
		if err := repo.Create(ctx, def); err == nil {
			t.Fatal("Expected validation error, got nil")
		}
	})
}

func TestDefinitionRepository_Read(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresDefinitionRepository(db)
	fieldRepo := NewPostgresFieldRepository(db)
	ctx := context.Background()

	def := &entities.EntityDefinition{Name: "Task", StorageKey: "tasks"}
	if err := repo.Create(ctx, def); err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}

	// フィールドをdisplay_indexの逆順で作成
	for i, name := range []string{"done", "title"} {
		field := &entities.Field{
			EntityDefinitionID: def.ID,
			Name:               name,
			Kind:               entities.KindString,
			DisplayIndex:       1 - i,
		}
		if err := fieldRepo.Create(ctx, field); err != nil {
			t.Fatalf("Failed to create field %s: %v", name, err)
		}
	}

	t.Run("正常系: GetByStorageKeyで取得", func(t *testing.T) {
		got, err := repo.GetByStorageKey(ctx, "tasks")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got.ID != def.ID {
			t.Errorf("Expected id %s, got %s", def.ID, got.ID)
		}
	})

	t.Run("正常系: GetWithFieldsはdisplay_index順", func(t *testing.T) {
		got, err := repo.GetWithFields(ctx, def.ID)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(got.Fields) != 2 {
			t.Fatalf("Expected 2 fields, got %d", len(got.Fields))
		}
		if got.Fields[0].Name != "title" || got.Fields[1].Name != "done" {
			t.Errorf("Fields out of order: %s, %s", got.Fields[0].Name, got.Fields[1].Name)
		}
	})

	t.Run("異常系: 存在しないIDはErrNotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		if !errors.Is(err, entities.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got: %v", err)
		}
	})
}

func TestDefinitionRepository_UpdateDelete(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresDefinitionRepository(db)
	ctx := context.Background()

	def := &entities.EntityDefinition{Name: "Note", StorageKey: "notes"}
	if err := repo.Create(ctx, def); err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}

	t.Run("正常系: 名前とページサイズを更新", func(t *testing.T) {
		def.Name = "Memo"
		def.PageSize = 10
		if err := repo.Update(ctx, def); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := repo.GetByID(ctx, def.ID)
		if err != nil {
			t.Fatalf("Failed to get definition: %v", err)
		}
		if got.Name != "Memo" || got.PageSize != 10 {
			t.Errorf("Update not persisted: %+v", got)
		}
		// storage_keyは不変
		if got.StorageKey != "notes" {
			t.Errorf("Storage key changed: %s", got.StorageKey)
		}
	})

	t.Run("異常系: 存在しない定義の更新はErrNotFound", func(t *testing.T) {
		missing := &entities.EntityDefinition{ID: uuid.New(), Name: "X", StorageKey: "x"}
		if err := repo.Update(ctx, missing); !errors.Is(err, entities.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("正常系: 削除後はErrNotFound", func(t *testing.T) {
		if err := repo.Delete(ctx, def.ID); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if _, err := repo.GetByID(ctx, def.ID); !errors.Is(err, entities.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got: %v", err)
		}
	})
}

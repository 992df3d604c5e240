package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

func createTestDefinition(t *testing.T, db *sql.DB, name, storageKey string) *entities.EntityDefinition {
	t.Helper()

	def := &entities.EntityDefinition{Name: name, StorageKey: storageKey}
	if err := NewPostgresDefinitionRepository(db).Create(context.Background(), def); err != nil {
		t.Fatalf("Failed to create definition %s: %v", storageKey, err)
	}
	return def
}

func TestFieldRepository_Create(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresFieldRepository(db)
	ctx := context.Background()
	def := createTestDefinition(t, db, "Post", "posts")

	t.Run("正常系: スカラーフィールド作成成功", func(t *testing.T) {
		field := &entities.Field{
			EntityDefinitionID: def.ID,
			Name:               "views",
			Kind:               entities.KindNumber,
			Required:           true,
			Filterable:         true,
			DefaultValue:       float64(0),
		}

		if err := repo.Create(ctx, field); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := repo.GetByID(ctx, field.ID)
		if err != nil {
			t.Fatalf("Failed to get field: %v", err)
		}
		if got.Kind != entities.KindNumber || !got.Required || !got.Filterable {
			t.Errorf("Unexpected field: %+v", got)
		}
		if got.DefaultValue != float64(0) {
			t.Errorf("Expected default 0, got %v (%T)", got.DefaultValue, got.DefaultValue)
		}
	})

	t.Run("異常系: 同一定義内の名前重複はErrConflict", func(t *testing.T) {
		first := &entities.Field{EntityDefinitionID: def.ID, Name: "title", Kind: entities.KindString}
		if err := repo.Create(ctx, first); err != nil {
			t.Fatalf("Failed to create first field: %v", err)
		}

		dup := &entities.Field{EntityDefinitionID: def.ID, Name: "title", Kind: entities.KindString}
		if err := repo.Create(ctx, dup); !errors.Is(err, entities.ErrConflict) {
			t.Errorf("Expected ErrConflict, got: %v", err)
		}
	})

	t.Run("異常系: 種別不明はバリデーションエラー", func(t *testing.T) {
		field := &entities.Field{EntityDefinitionID: def.ID, Name: "bad", Kind: "blob"}
		if err := repo.Create(ctx, field); err == nil {
			t.Fatal("Expected validation error, got nil")
		}
	})
}

func TestFieldRepository_CreatePair(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresFieldRepository(db)
	ctx := context.Background()
	posts := createTestDefinition(t, db, "Post", "posts")
	tags := createTestDefinition(t, db, "Tag", "tags")

	t.Run("正常系: 相互バックポインタが原子的に書かれる", func(t *testing.T) {
		source := &entities.Field{
			EntityDefinitionID:        posts.ID,
			Name:                      "tags",
			Kind:                      entities.KindManyToMany,
			RelatedEntityDefinitionID: &tags.ID,
			IsRelationSource:          true,
		}
		paired := &entities.Field{
			EntityDefinitionID:        tags.ID,
			Name:                      "posts",
			Kind:                      entities.KindManyToMany,
			RelatedEntityDefinitionID: &posts.ID,
		}

		if err := repo.CreatePair(ctx, source, paired); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		gotSource, err := repo.GetByID(ctx, source.ID)
		if err != nil {
			t.Fatalf("Failed to get source field: %v", err)
		}
		gotPaired, err := repo.GetByID(ctx, paired.ID)
		if err != nil {
			t.Fatalf("Failed to get paired field: %v", err)
		}
		if err := entities.ValidatePair(gotSource, gotPaired); err != nil {
			t.Errorf("Persisted pair violates the pairing invariant: %v", err)
		}
	})

	t.Run("異常系: 片側のバリデーション失敗で両方とも作られない", func(t *testing.T) {
		source := &entities.Field{
			EntityDefinitionID:        posts.ID,
			Name:                      "owner",
			Kind:                      entities.KindManyToOne,
			RelatedEntityDefinitionID: &tags.ID,
			IsRelationSource:          true,
		}
		broken := &entities.Field{
			EntityDefinitionID: tags.ID,
			Name:               "owned",
			Kind:               entities.KindOneToMany,
			// RelatedEntityDefinitionIDなし
		}

		if err := repo.CreatePair(ctx, source, broken); err == nil {
			t.Fatal("Expected error, got nil")
		}

		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM fields WHERE name IN ('owner', 'owned')`).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to count fields: %v", err)
		}
		if count != 0 {
			t.Errorf("Expected no rows after failed pair, got %d", count)
		}
	})
}

func TestFieldRepository_CreateAttached(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresFieldRepository(db)
	ctx := context.Background()
	posts := createTestDefinition(t, db, "Post", "posts")
	authors := createTestDefinition(t, db, "Author", "authors")

	// バックポインタがまだないリレーションフィールド
	dangling := &entities.Field{
		EntityDefinitionID:        authors.ID,
		Name:                      "posts",
		Kind:                      entities.KindOneToMany,
		RelatedEntityDefinitionID: &posts.ID,
	}
	if err := repo.Create(ctx, dangling); err != nil {
		t.Fatalf("Failed to create dangling field: %v", err)
	}

	t.Run("正常系: 既存フィールドへの接続", func(t *testing.T) {
		field := &entities.Field{
			EntityDefinitionID:        posts.ID,
			Name:                      "author",
			Kind:                      entities.KindManyToOne,
			RelatedEntityDefinitionID: &authors.ID,
			IsRelationSource:          true,
		}

		if err := repo.CreateAttached(ctx, field, dangling.ID); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		gotField, err := repo.GetByID(ctx, field.ID)
		if err != nil {
			t.Fatalf("Failed to get field: %v", err)
		}
		gotPaired, err := repo.GetByID(ctx, dangling.ID)
		if err != nil {
			t.Fatalf("Failed to get paired field: %v", err)
		}
		if err := entities.ValidatePair(gotField, gotPaired); err != nil {
			t.Errorf("Attached pair violates the pairing invariant: %v", err)
		}
	})

	t.Run("正常系: SetBackPointerでnilクリア", func(t *testing.T) {
		if err := repo.SetBackPointer(ctx, dangling.ID, nil); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := repo.GetByID(ctx, dangling.ID)
		if err != nil {
			t.Fatalf("Failed to get field: %v", err)
		}
		if got.RelationFieldID != nil {
			t.Errorf("Expected back-pointer cleared, got %v", got.RelationFieldID)
		}
	})
}

func TestFieldRepository_UpdateDelete(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresFieldRepository(db)
	ctx := context.Background()
	def := createTestDefinition(t, db, "Post", "posts")

	field := &entities.Field{EntityDefinitionID: def.ID, Name: "title", Kind: entities.KindString}
	if err := repo.Create(ctx, field); err != nil {
		t.Fatalf("Failed to create field: %v", err)
	}

	t.Run("正常系: フラグの更新", func(t *testing.T) {
		field.Searchable = true
		field.IsTitle = true
		field.DisplayIndex = 3
		if err := repo.Update(ctx, field); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := repo.GetByID(ctx, field.ID)
		if err != nil {
			t.Fatalf("Failed to get field: %v", err)
		}
		if !got.Searchable || !got.IsTitle || got.DisplayIndex != 3 {
			t.Errorf("Update not persisted: %+v", got)
		}
	})

	t.Run("異常系: 存在しないフィールドの更新はErrNotFound", func(t *testing.T) {
		missing := &entities.Field{ID: uuid.New(), EntityDefinitionID: def.ID, Name: "x", Kind: entities.KindString}
		if err := repo.Update(ctx, missing); !errors.Is(err, entities.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("正常系: 削除後はErrNotFound", func(t *testing.T) {
		if err := repo.Delete(ctx, field.ID); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if _, err := repo.GetByID(ctx, field.ID); !errors.Is(err, entities.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got: %v", err)
		}
	})
}

package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

// edgeTestFixture creates the posts/tags pair of definitions, the linked
// manyToMany fields, and a handful of instances to hang edges on.
type edgeTestFixture struct {
	posts     *entities.EntityDefinition
	tags      *entities.EntityDefinition
	tagsField *entities.Field
	post1     uuid.UUID
	post2     uuid.UUID
	tag1      uuid.UUID
	tag2      uuid.UUID
	tag3      uuid.UUID
}

func setupEdgeFixture(t *testing.T, db *sql.DB) *edgeTestFixture {
	t.Helper()
	ctx := context.Background()

	f := &edgeTestFixture{
		posts: createTestDefinition(t, db, "Post", "posts"),
		tags:  createTestDefinition(t, db, "Tag", "tags"),
	}

	fieldRepo := NewPostgresFieldRepository(db)
	f.tagsField = &entities.Field{
		EntityDefinitionID:        f.posts.ID,
		Name:                      "tags",
		Kind:                      entities.KindManyToMany,
		RelatedEntityDefinitionID: &f.tags.ID,
		IsRelationSource:          true,
	}
	paired := &entities.Field{
		EntityDefinitionID:        f.tags.ID,
		Name:                      "posts",
		Kind:                      entities.KindManyToMany,
		RelatedEntityDefinitionID: &f.posts.ID,
	}
	if err := fieldRepo.CreatePair(ctx, f.tagsField, paired); err != nil {
		t.Fatalf("Failed to create relation pair: %v", err)
	}

	instRepo := NewPostgresInstanceRepository(db)
	create := func(defID uuid.UUID, title string) uuid.UUID {
		inst := &entities.EntityInstance{
			EntityDefinitionID: defID,
			Project:            "p1",
			Data:               map[string]interface{}{"title": title},
		}
		if err := instRepo.Create(ctx, inst); err != nil {
			t.Fatalf("Failed to create instance %s: %v", title, err)
		}
		return inst.ID
	}
	f.post1 = create(f.posts.ID, "post1")
	f.post2 = create(f.posts.ID, "post2")
	f.tag1 = create(f.tags.ID, "tag1")
	f.tag2 = create(f.tags.ID, "tag2")
	f.tag3 = create(f.tags.ID, "tag3")

	return f
}

func edgeTargetIDs(edges []*entities.RelationEdge) map[uuid.UUID]bool {
	targets := make(map[uuid.UUID]bool, len(edges))
	for _, e := range edges {
		targets[e.TargetInstanceID] = true
	}
	return targets
}

func TestEdgeRepository_Create(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresEdgeRepository(db)
	ctx := context.Background()
	f := setupEdgeFixture(t, db)

	t.Run("正常系: 重複作成は冪等（ON CONFLICT DO NOTHING）", func(t *testing.T) {
		edge := &entities.RelationEdge{
			SourceInstanceID: f.post1,
			TargetInstanceID: f.tag1,
			FieldID:          f.tagsField.ID,
			Kind:             f.tagsField.Kind,
		}
		if err := repo.Create(ctx, edge); err != nil {
			t.Fatalf("Expected no error on first create, got: %v", err)
		}

		dup := &entities.RelationEdge{
			SourceInstanceID: f.post1,
			TargetInstanceID: f.tag1,
			FieldID:          f.tagsField.ID,
			Kind:             f.tagsField.Kind,
		}
		if err := repo.Create(ctx, dup); err != nil {
			t.Fatalf("Expected no error on duplicate create, got: %v", err)
		}

		edges, err := repo.ListBySource(ctx, f.post1, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		if len(edges) != 1 {
			t.Errorf("Expected 1 edge after duplicate create, got %d", len(edges))
		}
	})

	t.Run("正常系: BatchCreateで複数作成", func(t *testing.T) {
		edges := []*entities.RelationEdge{
			{SourceInstanceID: f.post2, TargetInstanceID: f.tag1, FieldID: f.tagsField.ID, Kind: f.tagsField.Kind},
			{SourceInstanceID: f.post2, TargetInstanceID: f.tag2, FieldID: f.tagsField.ID, Kind: f.tagsField.Kind},
		}
		if err := repo.BatchCreate(ctx, edges); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := repo.ListBySource(ctx, f.post2, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("Expected 2 edges, got %d", len(got))
		}
	})

	t.Run("異常系: source欠落はバリデーションエラー", func(t *testing.T) {
		edge := &entities.RelationEdge{
			TargetInstanceID: f.tag1,
			FieldID:          f.tagsField.ID,
			Kind:             f.tagsField.Kind,
		}
		if err := repo.Create(ctx, edge); err == nil {
			t.Fatal("Expected validation error, got nil")
		}
	})
}

func TestEdgeRepository_Reconcile(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresEdgeRepository(db)
	ctx := context.Background()
	f := setupEdgeFixture(t, db)

	t.Run("正常系: 差分だけ書き換える", func(t *testing.T) {
		if err := repo.Reconcile(ctx, f.post1, f.tagsField, []uuid.UUID{f.tag1, f.tag2}); err != nil {
			t.Fatalf("Failed to reconcile initial set: %v", err)
		}

		// tag1を外してtag3を足す。tag2のエッジは触られない
		before, err := repo.ListBySource(ctx, f.post1, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		var tag2EdgeID uuid.UUID
		for _, e := range before {
			if e.TargetInstanceID == f.tag2 {
				tag2EdgeID = e.ID
			}
		}

		if err := repo.Reconcile(ctx, f.post1, f.tagsField, []uuid.UUID{f.tag2, f.tag3}); err != nil {
			t.Fatalf("Failed to reconcile: %v", err)
		}

		after, err := repo.ListBySource(ctx, f.post1, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		targets := edgeTargetIDs(after)
		if len(after) != 2 || !targets[f.tag2] || !targets[f.tag3] {
			t.Errorf("Expected edges to tag2 and tag3, got %v", targets)
		}
		for _, e := range after {
			if e.TargetInstanceID == f.tag2 && e.ID != tag2EdgeID {
				t.Error("Expected the shared edge to survive reconciliation untouched")
			}
		}
	})

	t.Run("正常系: 同一セットの再実行は何もしない", func(t *testing.T) {
		if err := repo.Reconcile(ctx, f.post1, f.tagsField, []uuid.UUID{f.tag2, f.tag3}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		edges, err := repo.ListBySource(ctx, f.post1, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		if len(edges) != 2 {
			t.Errorf("Expected 2 edges, got %d", len(edges))
		}
	})

	t.Run("正常系: 空セットで全削除", func(t *testing.T) {
		if err := repo.Reconcile(ctx, f.post1, f.tagsField, nil); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		edges, err := repo.ListBySource(ctx, f.post1, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		if len(edges) != 0 {
			t.Errorf("Expected no edges, got %d", len(edges))
		}
	})
}

func TestEdgeRepository_List(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresEdgeRepository(db)
	ctx := context.Background()
	f := setupEdgeFixture(t, db)

	seed := []*entities.RelationEdge{
		{SourceInstanceID: f.post1, TargetInstanceID: f.tag1, FieldID: f.tagsField.ID, Kind: f.tagsField.Kind},
		{SourceInstanceID: f.post1, TargetInstanceID: f.tag2, FieldID: f.tagsField.ID, Kind: f.tagsField.Kind},
		{SourceInstanceID: f.post2, TargetInstanceID: f.tag2, FieldID: f.tagsField.ID, Kind: f.tagsField.Kind},
	}
	if err := repo.BatchCreate(ctx, seed); err != nil {
		t.Fatalf("Failed to seed edges: %v", err)
	}

	t.Run("正常系: ListBySourcesで複数ソースを一括取得", func(t *testing.T) {
		edges, err := repo.ListBySources(ctx, []uuid.UUID{f.post1, f.post2}, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(edges) != 3 {
			t.Errorf("Expected 3 edges, got %d", len(edges))
		}
	})

	t.Run("正常系: ListByTargetsはtarget集合でエッジを引く", func(t *testing.T) {
		edges, err := repo.ListByTargets(ctx, f.tagsField.ID, []uuid.UUID{f.tag2})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(edges) != 2 {
			t.Fatalf("Expected 2 edges, got %d", len(edges))
		}
		sources := map[uuid.UUID]bool{}
		for _, e := range edges {
			sources[e.SourceInstanceID] = true
		}
		if !sources[f.post1] || !sources[f.post2] {
			t.Errorf("Expected both posts as sources, got %v", sources)
		}
	})

	t.Run("正常系: 空の入力はnilを返す", func(t *testing.T) {
		edges, err := repo.ListBySources(ctx, nil, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if edges != nil {
			t.Errorf("Expected nil, got %v", edges)
		}
	})

	t.Run("正常系: DeleteByFieldで全エッジ削除", func(t *testing.T) {
		if err := repo.DeleteByField(ctx, f.tagsField.ID); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		edges, err := repo.ListBySources(ctx, []uuid.UUID{f.post1, f.post2}, f.tagsField.ID)
		if err != nil {
			t.Fatalf("Failed to list edges: %v", err)
		}
		if len(edges) != 0 {
			t.Errorf("Expected no edges after DeleteByField, got %d", len(edges))
		}
	})
}

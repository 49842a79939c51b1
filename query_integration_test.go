package relic

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

type User struct {
	Entity
	Name  string
	Email string
	Posts []*Post
}

type Post struct {
	Entity
	Title    string
	User     *User
	Tags     []*Tag
	Comments []*Comment
}

type Comment struct {
	Entity
	Body string
	Post *Post
}

type Tag struct {
	Entity
	Label string
	Posts []*Post
}

const blogSchema = `
CREATE TABLE "Users" (
	"Id" INTEGER PRIMARY KEY,
	"CreatedAt" TIMESTAMP,
	"ModifiedAt" TIMESTAMP,
	"DeletedAt" TIMESTAMP,
	"Name" TEXT,
	"Email" TEXT
);
CREATE TABLE "Posts" (
	"Id" INTEGER PRIMARY KEY,
	"CreatedAt" TIMESTAMP,
	"ModifiedAt" TIMESTAMP,
	"DeletedAt" TIMESTAMP,
	"Title" TEXT,
	"UserId" INTEGER
);
CREATE TABLE "Comments" (
	"Id" INTEGER PRIMARY KEY,
	"CreatedAt" TIMESTAMP,
	"ModifiedAt" TIMESTAMP,
	"DeletedAt" TIMESTAMP,
	"Body" TEXT,
	"PostId" INTEGER
);
CREATE TABLE "Tags" (
	"Id" INTEGER PRIMARY KEY,
	"CreatedAt" TIMESTAMP,
	"ModifiedAt" TIMESTAMP,
	"DeletedAt" TIMESTAMP,
	"Label" TEXT
);
CREATE TABLE "PostsTags" (
	"PostId" INTEGER,
	"TagId" INTEGER
);
`

func setupBlogDB(t *testing.T) *sql.DB {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	if err := Register(&User{}, &Post{}, &Comment{}, &Tag{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	db, err := ConnectSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(blogSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}

	if _, err := Setup(Config{DB: db, Dialect: Dialects.SQLite3, DatabaseValidations: true}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return db
}

func TestSaveInsertsGraph(t *testing.T) {
	db := setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada", Email: "ada@example.com"}
	u.Posts = []*Post{
		{Title: "first"},
		{Title: "second"},
	}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	if u.Id == 0 {
		t.Fatal("user id not assigned")
	}
	if u.CreatedAt.IsZero() || u.ModifiedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	for _, p := range u.Posts {
		if p.Id == 0 {
			t.Error("post id not assigned")
		}
	}

	var fk int64
	err := db.QueryRow(`SELECT "UserId" FROM "Posts" WHERE "Title" = 'first'`).Scan(&fk)
	if err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if fk != u.Id {
		t.Errorf("stored UserId = %d, want %d", fk, u.Id)
	}

	// a saved entity reports clean
	dirty, _ := ModifiedProps(u)
	if len(dirty) != 0 {
		t.Errorf("saved user dirty: %v", dirty)
	}
}

func TestSaveReferencedBeforeReferencing(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	author := &User{Name: "grace"}
	post := &Post{Title: "deps", User: author}
	if err := Save(ctx, post); err != nil {
		t.Fatalf("save: %v", err)
	}
	if author.Id == 0 {
		t.Fatal("referenced user not persisted first")
	}
	if post.ModelState().fks["UserId"] != author.Id {
		t.Errorf("post fk = %d, want %d", post.ModelState().fks["UserId"], author.Id)
	}
}

func TestSaveMinimalUpdate(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "alan", Email: "alan@example.com"}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := u.ModifiedAt

	// clean save: no statement, timestamp untouched
	if err := Save(ctx, u); err != nil {
		t.Fatalf("clean save: %v", err)
	}
	if !u.ModifiedAt.Equal(before) {
		t.Error("clean save should not touch ModifiedAt")
	}

	u.Name = "turing"
	if err := Save(ctx, u); err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.ModifiedAt.Equal(before) {
		t.Error("dirty save should advance ModifiedAt")
	}

	got, err := From[User]().WherePK(u.Id).Single(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Name != "turing" || got.Email != "alan@example.com" {
		t.Errorf("reloaded = %q / %q", got.Name, got.Email)
	}
}

func TestQueryAllAndFilters(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	for _, name := range []string{"ada", "alan", "grace"} {
		if err := Save(ctx, &User{Name: name}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	all, err := From[User]().OrderBy("Name", "ASC").All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 || all[0].Name != "ada" || all[2].Name != "grace" {
		t.Fatalf("unexpected order: %v", names(all))
	}

	starts, err := From[User]().WhereExpr("Name LIKE ?", "a%").OrderBy("Name", "DESC").All(ctx)
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(starts) != 2 || starts[0].Name != "alan" {
		t.Fatalf("filtered = %v", names(starts))
	}

	page, err := From[User]().OrderBy("Name", "ASC").Limit(1).Offset(1).All(ctx)
	if err != nil {
		t.Fatalf("paged: %v", err)
	}
	if len(page) != 1 || page[0].Name != "alan" {
		t.Fatalf("paged = %v", names(page))
	}

	n, err := From[User]().WhereExpr("Name LIKE 'a%'").Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	ok, err := From[User]().WhereExpr("Name = 'nobody'").Exists(ctx)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Error("exists should be false")
	}
}

func names(us []*User) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.Name
	}
	return out
}

func TestEagerLoadNestedPath(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada"}
	p1 := &Post{Title: "p1", Comments: []*Comment{{Body: "c1"}, {Body: "c2"}}}
	p2 := &Post{Title: "p2"}
	u.Posts = []*Post{p1, p2}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := From[User]().WherePK(u.Id).With("Posts.Comments").Single(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got.Posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(got.Posts))
	}
	var loaded *Post
	for _, p := range got.Posts {
		if p.Title == "p1" {
			loaded = p
		}
	}
	if loaded == nil || len(loaded.Comments) != 2 {
		t.Fatalf("nested comments not loaded: %+v", loaded)
	}

	// eager loading must not mark anything dirty
	dirty, _ := ModifiedProps(got)
	if len(dirty) != 0 {
		t.Errorf("eager-loaded user dirty: %v", dirty)
	}
	dirty, _ = ModifiedProps(loaded)
	if len(dirty) != 0 {
		t.Errorf("eager-loaded post dirty: %v", dirty)
	}
}

func TestLazyLoadSharesIdentity(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada", Posts: []*Post{{Title: "p1"}}}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := From[User]().WherePK(u.Id).With("Posts").Single(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	post := got.Posts[0]
	if post.User != nil {
		t.Fatal("inverse side should start unloaded")
	}

	if err := Load(ctx, post, "User"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if post.User != got {
		t.Error("lazy load should resolve through the identity arena")
	}

	// memoized: second load is a no-op even with a poisoned connection
	saved := defaultConn
	defaultConn = nil
	if err := Load(ctx, post, "User"); err != nil {
		t.Errorf("memoized load hit the database: %v", err)
	}
	defaultConn = saved
}

func TestManyToManyRoundTrip(t *testing.T) {
	db := setupBlogDB(t)
	ctx := context.Background()

	goTag := &Tag{Label: "go"}
	dbTag := &Tag{Label: "databases"}
	p := &Post{Title: "pivot", Tags: []*Tag{goTag, dbTag}}
	if err := Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "PostsTags"`).Scan(&n); err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if n != 2 {
		t.Fatalf("pivot rows = %d, want 2", n)
	}

	got, err := From[Post]().WherePK(p.Id).With("Tags").Single(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.Tags) != 2 {
		t.Fatalf("tags = %d, want 2", len(got.Tags))
	}

	// detach one tag: only its pivot row goes away
	var keep []*Tag
	for _, tag := range got.Tags {
		if tag.Label == "go" {
			keep = append(keep, tag)
		}
	}
	got.Tags = keep
	if err := Save(ctx, got); err != nil {
		t.Fatalf("detach save: %v", err)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM "PostsTags"`).Scan(&n); err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if n != 1 {
		t.Errorf("pivot rows after detach = %d, want 1", n)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM "Tags"`).Scan(&n); err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if n != 2 {
		t.Errorf("detach should not delete tag rows, have %d", n)
	}
}

func TestSoftDeleteLifecycle(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada"}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Delete(ctx, u); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !u.Trashed() {
		t.Error("deleted entity should be trashed")
	}

	_, err := From[User]().WherePK(u.Id).Single(ctx)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("default scope returned trashed row: %v", err)
	}

	got, err := From[User]().WherePK(u.Id).IncludeTrashed().Single(ctx)
	if err != nil {
		t.Fatalf("trashed query: %v", err)
	}
	if !got.Trashed() {
		t.Error("hydrated row should carry its delete marker")
	}

	if err := Restore(ctx, u); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := From[User]().WherePK(u.Id).Single(ctx); err != nil {
		t.Errorf("restored row invisible: %v", err)
	}

	if err := HardDelete(ctx, u); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := From[User]().WherePK(u.Id).IncludeTrashed().Single(ctx); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("hard-deleted row still visible: %v", err)
	}
}

func TestSingleCardinality(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := Save(ctx, &User{Name: "dup"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, err := From[User]().WhereExpr("Name = 'dup'").Single(ctx)
	var ce *CardinalityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CardinalityError, got %v", err)
	}

	got, err := From[User]().WhereExpr("Name = 'missing'").SingleOrDefault(ctx)
	if err != nil {
		t.Fatalf("single or default: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestFindHelper(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada"}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Find[User](ctx, u.Id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "ada" {
		t.Errorf("found %q", got.Name)
	}
	if _, err := Find[User](ctx, 9999); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("missing id: %v", err)
	}
}

func TestDissociateRemovedChild(t *testing.T) {
	db := setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada", Posts: []*Post{{Title: "keep"}, {Title: "drop"}}}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := From[User]().WherePK(u.Id).With("Posts").Single(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var keep []*Post
	for _, p := range got.Posts {
		if p.Title == "keep" {
			keep = append(keep, p)
		}
	}
	got.Posts = keep
	if err := Save(ctx, got); err != nil {
		t.Fatalf("save: %v", err)
	}

	var fk sql.NullInt64
	if err := db.QueryRow(`SELECT "UserId" FROM "Posts" WHERE "Title" = 'drop'`).Scan(&fk); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if fk.Valid {
		t.Errorf("removed child still points at parent: %v", fk.Int64)
	}
}

func TestSetupValidationMissingTable(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&User{}, &Post{}, &Comment{}, &Tag{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	db, err := ConnectSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	// everything except the pivot table
	partial := strings.Replace(blogSchema, `CREATE TABLE "PostsTags" (
	"PostId" INTEGER,
	"TagId" INTEGER
);`, "", 1)
	if _, err := db.Exec(partial); err != nil {
		t.Fatalf("schema: %v", err)
	}

	_, err = Setup(Config{DB: db, Dialect: Dialects.SQLite3, DatabaseValidations: true})
	if err == nil || !strings.Contains(err.Error(), "PostsTags") {
		t.Fatalf("expected missing-table error naming PostsTags, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	setupBlogDB(t)
	ctx := context.Background()

	u := &User{Name: "ada", Email: "ada@example.com", Posts: []*Post{{Title: "p1"}}}
	if err := Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := ToRecord(u)
	if err != nil {
		t.Fatalf("to record: %v", err)
	}
	if rec["name"] != "ada" || rec["email"] != "ada@example.com" {
		t.Errorf("record = %v", rec)
	}
	if rec["id"] != u.Id {
		t.Errorf("record id = %v, want %d", rec["id"], u.Id)
	}
	posts, ok := rec["posts"].([]map[string]any)
	if !ok || len(posts) != 1 || posts[0]["title"] != "p1" {
		t.Errorf("nested posts = %v", rec["posts"])
	}

	fresh := &User{}
	if err := FromRecord(fresh, map[string]any{"name": "grace", "email": "g@example.com"}); err != nil {
		t.Fatalf("from record: %v", err)
	}
	if fresh.Name != "grace" || fresh.Email != "g@example.com" {
		t.Errorf("assigned = %q / %q", fresh.Name, fresh.Email)
	}
}

package production

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/foodstock/internal/platform/db"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

// RecipeStore persists recipes.
type RecipeStore interface {
	CreateRecipe(ctx context.Context, recipe Recipe) (Recipe, error)
	GetRecipe(ctx context.Context, ownerID, recipeID int64) (Recipe, error)
	ListRecipes(ctx context.Context, ownerID int64) ([]Recipe, error)
}

// Repository stores recipes in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateRecipe(ctx context.Context, recipe Recipe) (Recipe, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO recipes (owner_id, recipe_key, name, unit, units_per_batch, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id, created_at`,
			recipe.OwnerID, string(recipe.Key), recipe.Name, recipe.Unit, recipe.UnitsPerBatch).Scan(&recipe.ID, &recipe.CreatedAt)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, line := range recipe.Lines {
			batch.Queue(`INSERT INTO recipe_lines (recipe_id, position, ingredient_key, name, unit, qty_per_batch) VALUES ($1,$2,$3,$4,$5,$6)`,
				recipe.ID, i, string(line.Key), line.Name, line.Unit, line.QuantityPerBatch)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Recipe{}, ErrDuplicateRecipe
	}
	if err != nil {
		return Recipe{}, err
	}
	return recipe, nil
}

func (r *Repository) GetRecipe(ctx context.Context, ownerID, recipeID int64) (Recipe, error) {
	var recipe Recipe
	var key string
	err := r.pool.QueryRow(ctx, `SELECT id, owner_id, recipe_key, name, unit, units_per_batch, created_at FROM recipes WHERE owner_id=$1 AND id=$2`, ownerID, recipeID).
		Scan(&recipe.ID, &recipe.OwnerID, &key, &recipe.Name, &recipe.Unit, &recipe.UnitsPerBatch, &recipe.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipe{}, ErrRecipeNotFound
	}
	if err != nil {
		return Recipe{}, err
	}
	recipe.Key = stock.IngredientKey(key)
	lines, err := r.lines(ctx, []int64{recipe.ID})
	if err != nil {
		return Recipe{}, err
	}
	recipe.Lines = lines[recipe.ID]
	return recipe, nil
}

func (r *Repository) ListRecipes(ctx context.Context, ownerID int64) ([]Recipe, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, owner_id, recipe_key, name, unit, units_per_batch, created_at FROM recipes WHERE owner_id=$1 ORDER BY name ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recipes []Recipe
	var ids []int64
	for rows.Next() {
		var recipe Recipe
		var key string
		if err := rows.Scan(&recipe.ID, &recipe.OwnerID, &key, &recipe.Name, &recipe.Unit, &recipe.UnitsPerBatch, &recipe.CreatedAt); err != nil {
			return nil, err
		}
		recipe.Key = stock.IngredientKey(key)
		recipes = append(recipes, recipe)
		ids = append(ids, recipe.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	lines, err := r.lines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range recipes {
		recipes[i].Lines = lines[recipes[i].ID]
	}
	return recipes, nil
}

func (r *Repository) lines(ctx context.Context, recipeIDs []int64) (map[int64][]RecipeLine, error) {
	out := make(map[int64][]RecipeLine, len(recipeIDs))
	if len(recipeIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT recipe_id, ingredient_key, name, unit, qty_per_batch FROM recipe_lines
WHERE recipe_id = ANY($1) ORDER BY recipe_id ASC, position ASC`, recipeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var line RecipeLine
		var key string
		if err := rows.Scan(&id, &key, &line.Name, &line.Unit, &line.QuantityPerBatch); err != nil {
			return nil, err
		}
		line.Key = stock.IngredientKey(key)
		out[id] = append(out[id], line)
	}
	return out, rows.Err()
}

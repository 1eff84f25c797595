package tx

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrom(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)

	ctx := WithTx(context.Background(), nil)
	_, ok = From(ctx)
	assert.False(t, ok, "nil transaction must not be stored")

	sqlTx := &sql.Tx{}
	got, ok := From(WithTx(context.Background(), sqlTx))
	assert.True(t, ok)
	assert.Same(t, sqlTx, got)
}

func TestOr(t *testing.T) {
	db := &sql.DB{}
	assert.Same(t, db, Or(context.Background(), db))

	sqlTx := &sql.Tx{}
	assert.Same(t, sqlTx, Or(WithTx(context.Background(), sqlTx), db))
}

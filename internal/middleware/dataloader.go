package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/billflow/internal/repository"
	"github.com/rpattn/billflow/internal/rowloader"
)

type ctxKey string

const reviewRowLoaderKey ctxKey = "reviewRowLoader"

// DataLoaderMiddleware attaches a request-scoped review row loader.
func DataLoaderMiddleware(repo repository.BatchRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := rowloader.NewReviewRowLoader(repo)
			ctx := context.WithValue(r.Context(), reviewRowLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ReviewRowLoaderFromContext retrieves the loader from context
func ReviewRowLoaderFromContext(ctx context.Context) *rowloader.ReviewRowLoader {
	if l, ok := ctx.Value(reviewRowLoaderKey).(*rowloader.ReviewRowLoader); ok {
		return l
	}
	return nil
}

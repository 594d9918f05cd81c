package ports

import (
	"context"

	"github.com/alejandrodnm/sellerscan/internal/domain"
)

// Storage es el colaborador de persistencia del scheduler.
// Todas las llamadas son síncronas y deben respetar el timeout del contexto —
// nunca bloquear indefinidamente al worker de refresh.
type Storage interface {
	// LoadActiveCandidates devuelve todos los candidatos activos a refrescar.
	LoadActiveCandidates(ctx context.Context) ([]domain.Candidate, error)

	// GetSupplierItem devuelve el item de proveedor por ID.
	GetSupplierItem(ctx context.Context, id int64) (domain.SupplierItem, error)

	// SaveMarketSnapshot persiste una observación de mercado (append-only).
	SaveMarketSnapshot(ctx context.Context, candidateID int64, s domain.MarketSnapshot) error

	// SaveFeeSnapshot persiste una observación de fees (append-only).
	SaveFeeSnapshot(ctx context.Context, candidateID int64, s domain.FeeSnapshot) error

	// SaveScoreResult persiste un resultado de score en el histórico.
	SaveScoreResult(ctx context.Context, r domain.ScoreResult) error

	// LatestSnapshots devuelve los últimos snapshots conocidos del candidato.
	// Cualquiera de los dos puede ser nil si nunca se observó.
	LatestSnapshots(ctx context.Context, candidateID int64) (*domain.MarketSnapshot, *domain.FeeSnapshot, error)

	// LatestScore devuelve el último score conocido, o nil si no hay ninguno.
	LatestScore(ctx context.Context, candidateID int64) (*domain.ScoreResult, error)

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}

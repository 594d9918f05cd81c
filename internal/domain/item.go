package domain

import "time"

// MappingSource indica cómo se obtuvo el mapeo item → ASIN.
type MappingSource string

const (
	SourceCSVHint    MappingSource = "csv_hint"   // ASIN venía en el CSV del proveedor
	SourceIdentifier MappingSource = "identifier" // lookup por EAN/UPC en el catálogo
	SourceKeyword    MappingSource = "keyword"    // búsqueda por keywords (baja confianza)
	SourceManual     MappingSource = "manual"     // asignado a mano por el usuario
)

// SupplierItem es una línea de la lista de precios del proveedor.
// Inmutable una vez importado — una nueva versión llega como nuevo batch.
type SupplierItem struct {
	ID          int64
	Brand       string
	Supplier    string
	PartNumber  string
	Description string
	EAN         string
	MPN         string
	ASINHint    string

	// Costes por unidad, sin IVA. El escenario "bulk" aplica al comprar 5+.
	CostUnitExTax1 float64
	CostUnitExTax5 float64
	PackQty        int

	ImportBatch string
	ImportedAt  time.Time
	Active      bool
}

// Candidate es un par (SupplierItem, ASIN) con su confianza de mapeo.
// Puede haber varios candidatos por item; como máximo uno es Primary.
type Candidate struct {
	ID             int64
	SupplierItemID int64
	Brand          string
	Supplier       string
	PartNumber     string
	ASIN           string
	Title          string
	MatchReason    string
	Confidence     float64 // 0.0 – 1.0
	Source         MappingSource
	Primary        bool
	Active         bool
}

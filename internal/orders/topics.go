package orders

const (
	TopicOrderMaterialized = "storefront.order.materialized"
	TopicSettlementFailed  = "storefront.settlement.failed"
)

// Partition key = invoice_id, so every event of one checkout keeps its order.
func PartitionKey(invoiceID string) []byte { return []byte(invoiceID) }

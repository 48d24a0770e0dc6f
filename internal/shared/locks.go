package shared

import "fmt"

// ReconcileLockKey builds redis keys guarding aggregate reconciliation.
func ReconcileLockKey(ownerID int64, kind string) string {
	return fmt.Sprintf("stock:reconcile:%d:%s:lock", ownerID, kind)
}

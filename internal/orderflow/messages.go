// Package orderflow implements the conversational order state machine.
//
// This file renders the canned Arabic replies the flow sends.
package orderflow

import (
	"fmt"
	"strings"

	"github.com/souqlabs/souqbot/internal/commerce"
)

// ConfirmMarker is the fixed phrase appended to every draft summary. Its
// presence in the last outgoing message is what makes a following yes/no
// count as a confirmation decision, so it must never be reworded casually.
const ConfirmMarker = "موافق على الطلب؟"

// draftSummary renders an itemized draft with a total and the confirmation
// marker.
func draftSummary(items []commerce.LineItem) string {
	var b strings.Builder
	b.WriteString("طلبك:\n")
	var total int64
	for _, item := range items {
		fmt.Fprintf(&b, "• %s ×%d - %s ريال\n", item.Product.Name, item.Quantity, commerce.FormatPrice(item.Subtotal()))
		total += item.Subtotal()
	}
	fmt.Fprintf(&b, "\nالإجمالي: %s ريال\n\n%s", commerce.FormatPrice(total), ConfirmMarker)
	return b.String()
}

// orderSuccess renders the committed-order reply with code and payment link.
func orderSuccess(result *commerce.OrderResult) string {
	var b strings.Builder
	b.WriteString("تم إنشاء طلبك بنجاح 🎉\n")
	fmt.Fprintf(&b, "رقم الطلب: %s\n", result.OrderCode)
	fmt.Fprintf(&b, "الإجمالي: %s ريال", commerce.FormatPrice(result.Total))
	if result.PaymentURL != "" {
		fmt.Fprintf(&b, "\nرابط الدفع: %s", result.PaymentURL)
	}
	return b.String()
}

// cancelReply acknowledges a rejected draft.
const cancelReply = "تم إلغاء الطلب. إذا احتجت أي شيء ثاني أنا موجود 😊"

// retryReply is sent when order creation fails; the next message starts fresh.
const retryReply = "عذراً، ما قدرت أكمل طلبك حالياً. حاول مرة ثانية بعد قليل 🙏"

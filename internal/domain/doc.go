// Package domain holds the shared value types of the range hub: users,
// events and participations, the email queue, identity sync rows, license
// products and slots, range instances, sessions, and the audit log, along
// with their status enums and the error taxonomy.
//
// Everything here is a plain value and the package imports nothing from
// the rest of internal/. Struct fields never carry handles (*sql.DB,
// http.Request, context.Context); serialization tags are fine, and the
// only methods are pure validation or classification helpers on the
// types themselves.
package domain

/*
Package types defines the shared domain types of the Umbrix notification
dispatch pipeline.

The package has no behavior. It exists so that the storage, cache, stream,
and publisher packages can exchange values without importing each other.

Core entities:

  - Outcome: a persisted delivery configuration (connector id plus
    connector-specific configuration validated at write time).
  - ConnectorDefinition: the static description of a connector kind and
    its configuration schema.
  - Rule: a notification rule ("trigger") of kind live or digest, owned
    by the notification definition subsystem and read-only here.
  - StreamEvent: the raw event read from the notification stream. Live
    events carry a target list and a single instance; digest events carry
    one target and a pre-batched item list.
  - ContentGroup / ContentEvent: the aggregated content structure handed
    to templates and persisted into inbox notifications.
*/
package types

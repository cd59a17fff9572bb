package jsonapi

// NewResourceDocument wraps a single resource.
func NewResourceDocument(r Resource) Document {
	return Document{Data: r}
}

// NewCollectionDocument wraps a list of resources. A nil list is rendered
// as an empty array.
func NewCollectionDocument(resources []Resource) Document {
	if resources == nil {
		resources = []Resource{}
	}
	return Document{Data: resources}
}

// NewErrorDocument wraps one or more errors.
func NewErrorDocument(errs ...Error) Document {
	return Document{Errors: errs}
}

// NewMetaDocument carries only metadata.
func NewMetaDocument(meta Meta) Document {
	return Document{Meta: meta}
}

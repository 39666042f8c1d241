package storage

import "context"

// Promoter moves a temporary provider-hosted asset to permanent storage and
// returns the permanent file and thumbnail URLs.
type Promoter struct {
	Images *ImagesClient
}

func NewPromoter(images *ImagesClient) *Promoter {
	return &Promoter{Images: images}
}

func (p *Promoter) Promote(ctx context.Context, srcURL string, width, height int) (fileURL, thumbURL string, err error) {
	data, err := p.Images.Fetch(ctx, srcURL)
	if err != nil {
		return "", "", err
	}

	_, uploadURL, err := p.Images.DirectUploadURL(ctx)
	if err != nil {
		return "", "", err
	}

	variants, err := p.Images.Upload(ctx, uploadURL, data)
	if err != nil {
		return "", "", err
	}

	fileURL = SelectVariant(variants, VariantOptions{Width: width, Height: height})
	thumbURL = SelectVariant(variants, VariantOptions{WantPublic: true})
	return fileURL, thumbURL, nil
}
